// Package poller runs the per-log RFC 6962 pull loop (spec.md §4.4): poll
// get-sth, fetch batches of entries, parse and emit them, and persist the
// advancing cursor, all gated by the Health Tracker.
package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"github.com/rs/zerolog"

	"ctfleet/internal/certparse"
	"ctfleet/internal/health"
	"ctfleet/internal/statestore"
	"ctfleet/pkg/models"
)

// ctClient is the subset of certificate-transparency-go/client.LogClient
// the poller needs. Abstracted so tests can drive the loop against a fake
// log without a network round trip.
type ctClient interface {
	GetSTH(ctx context.Context) (*ct.SignedTreeHead, error)
	GetRawEntries(ctx context.Context, start, end int64) (*ct.GetEntriesResponse, error)
}

const (
	transportTimeout  = 30 * time.Second
	rateLimitPause    = time.Minute
	batchSizeDefault  = 256
	pollIntervalDefault = 30 * time.Second
)

// Config tunes a single Poller.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int64
	AllowPrecerts bool

	// BackfillEntries bounds how far back a Poller reads on its first-ever
	// encounter with a log: 0 (default) skips straight to the current
	// tree size per spec.md §9's documented open-question decision; a
	// positive value instead starts the cursor BackfillEntries below the
	// tree size (floored at 0), so the most recent entries are caught up
	// on instead of silently skipped.
	BackfillEntries uint64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = pollIntervalDefault
	}
	if c.BatchSize <= 0 {
		c.BatchSize = batchSizeDefault
	}
	return c
}

// Poller drives one log's catch-up loop.
type Poller struct {
	logURL  string
	client  ctClient
	store   *statestore.Store
	tracker *health.Tracker
	events  chan<- models.CertificateEvent
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration, stop <-chan struct{}) bool

	firstRunChecked bool // guards the skip-backfill check, see Run
}

// New constructs a Poller for logURL against a real RFC 6962 endpoint.
func New(logURL string, httpClient *http.Client, store *statestore.Store, tracker *health.Tracker, events chan<- models.CertificateEvent, cfg Config, log zerolog.Logger) (*Poller, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: transportTimeout}
	}
	lc, err := client.New(logURL, httpClient, jsonclient.Options{})
	if err != nil {
		return nil, fmt.Errorf("poller: constructing log client for %s: %w", logURL, err)
	}
	return newWithClient(logURL, lc, store, tracker, events, cfg, log), nil
}

func newWithClient(logURL string, c ctClient, store *statestore.Store, tracker *health.Tracker, events chan<- models.CertificateEvent, cfg Config, log zerolog.Logger) *Poller {
	return &Poller{
		logURL:  logURL,
		client:  c,
		store:   store,
		tracker: tracker,
		events:  events,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "poller").Str("log_url", logURL).Logger(),
		now:     time.Now,
		sleep:   sleepOrShutdown,
	}
}

// sleepOrShutdown blocks for d, or until stop fires first. Returns false if
// shutdown was observed.
func sleepOrShutdown(ctx context.Context, d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run executes the main loop of spec.md §4.4 until stop fires. ctx bounds
// individual HTTP calls but is not cancelled mid-request on shutdown (step
// j: the current call's own timeout bounds worst-case lag).
func (p *Poller) Run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		now := p.now()
		if !p.tracker.ShouldPoll(p.logURL, now) {
			h := p.tracker.Get(p.logURL)
			wait := h.NextAttemptNotBefore.Sub(now)
			if wait <= 0 {
				wait = time.Second
			}
			if !p.sleep(ctx, wait, stop) {
				return
			}
			continue
		}

		sth, err := p.client.GetSTH(ctx)
		if err != nil {
			p.recordFailure(err)
			backoff := health.Backoff(p.tracker.Get(p.logURL).ConsecutiveFailures)
			if isRateLimited(err) && backoff < rateLimitPause {
				backoff = rateLimitPause
			}
			if !p.sleep(ctx, backoff, stop) {
				return
			}
			continue
		}

		cursor := p.store.Get(p.logURL)
		if !p.firstRunChecked {
			p.firstRunChecked = true
			if !p.store.Known(p.logURL) {
				// First-ever encounter: spec.md §9 open question. Default
				// (BackfillEntries == 0) skips straight to the current tree
				// size; a positive BackfillEntries instead starts that many
				// entries below it, floored at 0, so the bounded backfill
				// catches up on recent history instead of skipping it.
				// Checked once per poller lifetime, not on every loop
				// iteration, so that a log whose tree is legitimately still
				// at size 0 isn't treated as "first run" again on the next
				// pass.
				if p.cfg.BackfillEntries > 0 && p.cfg.BackfillEntries < sth.TreeSize {
					cursor = sth.TreeSize - p.cfg.BackfillEntries
				} else if p.cfg.BackfillEntries > 0 {
					cursor = 0
				} else {
					cursor = sth.TreeSize
				}
				p.store.Record(p.logURL, cursor)
			}
		}

		if cursor >= sth.TreeSize {
			p.tracker.RecordSuccess(p.logURL, p.now())
			if !p.sleep(ctx, p.cfg.PollInterval, stop) {
				return
			}
			continue
		}

		end := cursor + uint64(p.cfg.BatchSize) - 1
		if end > sth.TreeSize-1 {
			end = sth.TreeSize - 1
		}

		resp, err := p.client.GetRawEntries(ctx, int64(cursor), int64(end))
		if err != nil {
			p.recordFailure(err)
			backoff := health.Backoff(p.tracker.Get(p.logURL).ConsecutiveFailures)
			if !p.sleep(ctx, backoff, stop) {
				return
			}
			continue
		}

		received := uint64(len(resp.Entries))
		p.emitBatch(cursor, resp.Entries, stop)

		p.tracker.RecordSuccess(p.logURL, p.now())
		newCursor := cursor + received
		p.store.Record(p.logURL, newCursor)

		caughtUp := newCursor >= sth.TreeSize
		if caughtUp {
			if !p.sleep(ctx, p.cfg.PollInterval, stop) {
				return
			}
		}
		// drain mode: loop again immediately without sleeping.

		select {
		case <-stop:
			return
		default:
		}
	}
}

// emitBatch parses each entry in order and emits successes onto the event
// channel. Parse failures are logged and skipped; they never hold the
// cursor back (spec.md §4.4f, Property P4).
func (p *Poller) emitBatch(startIndex uint64, entries []ct.LeafEntry, stop <-chan struct{}) {
	for i, entry := range entries {
		index := startIndex + uint64(i)
		parsed, err := certparse.Parse(entry.LeafInput, entry.ExtraData, p.cfg.AllowPrecerts)
		if err != nil {
			if errors.Is(err, certparse.ErrSkipped) {
				continue
			}
			p.log.Warn().Err(err).Uint64("entry_index", index).Msg("skipping unparseable log entry")
			continue
		}

		ev := models.CertificateEvent{
			Certificate:  parsed,
			SourceLogURL: p.logURL,
			EntryIndex:   index,
		}

		select {
		case p.events <- ev:
		case <-stop:
			// Channel send during shutdown: abandon the send, the caller
			// observes shutdown and exits (spec.md §4.5).
			return
		}
	}
}

func (p *Poller) recordFailure(err error) {
	p.log.Warn().Err(err).Msg("log request failed")
	p.tracker.RecordFailure(p.logURL, p.now())
}

// isRateLimited applies spec.md §4.4i's 429 distinction. jsonclient surfaces
// the HTTP status of a failed request via *jsonclient.RspError.
func isRateLimited(err error) bool {
	var rspErr jsonclient.RspError
	if errors.As(err, &rspErr) {
		return rspErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
