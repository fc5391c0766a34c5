// Package health implements the per-log Healthy/Degraded/Failed state
// machine that paces the Log Poller's retries (spec.md §4.5).
package health

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ctfleet/pkg/models"
)

// failureThreshold is the consecutive-failure count at which a log moves
// from Degraded to Failed.
const failureThreshold = 3

// Tracker is the process-wide, per-log-keyed health state. Safe for
// concurrent use: every poller reports into the same Tracker.
type Tracker struct {
	log zerolog.Logger

	mu    sync.Mutex
	state map[string]*models.LogHealth
}

// New constructs an empty Tracker.
func New(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:   log.With().Str("component", "health").Logger(),
		state: make(map[string]*models.LogHealth),
	}
}

func (t *Tracker) entry(logURL string) *models.LogHealth {
	h, ok := t.state[logURL]
	if !ok {
		h = &models.LogHealth{Status: models.HealthHealthy}
		t.state[logURL] = h
	}
	return h
}

// Backoff implements spec.md §4.5: backoff(k) = min(60*2^(k-1), 3600),
// saturating at one hour. k must be >= 1.
func Backoff(k uint32) time.Duration {
	if k == 0 {
		k = 1
	}
	seconds := 60 * math.Pow(2, float64(k-1))
	if seconds > 3600 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

// RecordSuccess transitions a log to Healthy and resets its failure
// counter, from any prior state.
func (t *Tracker) RecordSuccess(logURL string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(logURL)
	wasFailed := h.Status == models.HealthFailed
	h.Status = models.HealthHealthy
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = now
	h.NextAttemptNotBefore = time.Time{}

	if wasFailed {
		t.log.Info().Str("log_url", logURL).Msg("log recovered, returning to healthy")
	}
}

// RecordFailure advances the state machine in table in spec.md §4.5.
func (t *Tracker) RecordFailure(logURL string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(logURL)
	h.LastFailureAt = now
	h.ConsecutiveFailures++

	switch h.Status {
	case models.HealthHealthy:
		h.Status = models.HealthDegraded
	case models.HealthDegraded:
		if h.ConsecutiveFailures >= failureThreshold {
			h.Status = models.HealthFailed
		}
	case models.HealthFailed:
		// stays Failed; counter already incremented above
	}

	if h.Status == models.HealthFailed {
		backoff := Backoff(h.ConsecutiveFailures)
		h.NextAttemptNotBefore = now.Add(backoff)
		t.log.Warn().
			Str("log_url", logURL).
			Uint32("consecutive_failures", h.ConsecutiveFailures).
			Time("next_attempt_not_before", h.NextAttemptNotBefore).
			Msg("log marked failed")
	}
}

// ShouldPoll reports whether a log may be polled right now: a log in
// Failed state is gated until its NextAttemptNotBefore (invariant I4).
func (t *Tracker) ShouldPoll(logURL string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.state[logURL]
	if !ok || h.Status != models.HealthFailed {
		return true
	}
	return !now.Before(h.NextAttemptNotBefore)
}

// Get returns a copy of a log's current health record.
func (t *Tracker) Get(logURL string) models.LogHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.state[logURL]; ok {
		return *h
	}
	return models.LogHealth{Status: models.HealthHealthy}
}

// Summary is the snapshot logged every 5 minutes by the Log Coordinator.
type Summary struct {
	Healthy  int
	Degraded int
	Failed   int
	FailedLogs map[string]time.Time // log URL -> next attempt time
}

// Summarize returns counts per state and the set of currently Failed logs.
func (t *Tracker) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{FailedLogs: make(map[string]time.Time)}
	for url, h := range t.state {
		switch h.Status {
		case models.HealthHealthy:
			s.Healthy++
		case models.HealthDegraded:
			s.Degraded++
		case models.HealthFailed:
			s.Failed++
			s.FailedLogs[url] = h.NextAttemptNotBefore
		}
	}
	return s
}

// LogSummary writes the periodic health summary at info level.
func (t *Tracker) LogSummary() {
	s := t.Summarize()
	t.log.Info().
		Int("healthy", s.Healthy).
		Int("degraded", s.Degraded).
		Int("failed", s.Failed).
		Msg("health summary")
	for url, next := range s.FailedLogs {
		t.log.Info().Str("log_url", url).Time("next_attempt_not_before", next).Msg("log still failed")
	}
}
