// Package coordinator spawns one poller per log, fans their parsed
// certificates into a shared channel, and owns process-wide shutdown
// (spec.md §4.8). Grounded in the teacher's startPollingMode, rebuilt on
// golang.org/x/sync/errgroup instead of a raw WaitGroup + context/stopChan
// pair purely for the cleaner single g.Wait() join point; a Poller never
// treats its own get-sth/get-entries failures as terminal (the Health
// Tracker's backoff handles them), so Run's g.Go functions always return
// nil and g.Wait() currently exists to block, not to surface an error.
package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ctfleet/internal/health"
	"ctfleet/internal/poller"
	"ctfleet/internal/statestore"
	"ctfleet/pkg/models"
)

const healthSummaryInterval = 5 * time.Minute

// Coordinator owns the set of running pollers and the shared resources
// they report into. It never holds a back-reference from its pollers: it
// joins on them only through the errgroup's internal WaitGroup (spec.md
// §9).
type Coordinator struct {
	store    *statestore.Store
	tracker  *health.Tracker
	events   chan<- models.CertificateEvent
	pollCfg  poller.Config
	httpClient *http.Client
	log      zerolog.Logger
}

// New constructs a Coordinator. events is the match-channel sender handed
// to every poller; httpClient may be nil to use a default per-poller
// client.
func New(store *statestore.Store, tracker *health.Tracker, events chan<- models.CertificateEvent, pollCfg poller.Config, httpClient *http.Client, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		tracker:    tracker,
		events:     events,
		pollCfg:    pollCfg,
		httpClient: httpClient,
		log:        log.With().Str("component", "coordinator").Logger(),
	}
}

// Run spawns one poller per descriptor and blocks until every poller and
// the health summary task return, which in practice means until stop
// fires (every per-log failure is handled internally and never ends a
// Poller's Run). It always performs a final State Store flush before
// returning.
func (c *Coordinator) Run(ctx context.Context, logs []models.LogDescriptor, stop <-chan struct{}) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, ld := range logs {
		ld := ld
		p, err := poller.New(ld.URL, c.httpClient, c.store, c.tracker, c.events, c.pollCfg, c.log)
		if err != nil {
			c.log.Error().Err(err).Str("log_url", ld.URL).Msg("failed to construct poller, skipping this log")
			continue
		}
		g.Go(func() error {
			p.Run(gctx, stop)
			return nil
		})
	}

	g.Go(func() error {
		c.runHealthSummaryTask(stop)
		return nil
	})

	err := g.Wait()

	if flushErr := c.store.Flush(); flushErr != nil {
		c.log.Warn().Err(flushErr).Msg("final state flush on shutdown failed")
	}

	return err
}

// runHealthSummaryTask logs a health summary and flushes cursor state
// every five minutes, as spec.md §4.8 requires alongside the per-poller
// tasks.
func (c *Coordinator) runHealthSummaryTask(stop <-chan struct{}) {
	ticker := time.NewTicker(healthSummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tracker.LogSummary()
			if err := c.store.Flush(); err != nil {
				c.log.Warn().Err(err).Msg("periodic state flush failed")
			}
		}
	}
}
