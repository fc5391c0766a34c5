// Package redissink publishes match results over a single shared,
// auto-reconnecting Redis connection (spec.md §4.7): a long-lived detached
// worker goroutine drains a bounded queue, doing a pub/sub publish on a
// channel and, optionally, a bounded list append for durable replay, so the
// Match Pipeline's consumer never blocks on Redis. Built on
// github.com/redis/go-redis/v9 (the client's own connection pool handles
// reconnection) with github.com/cenkalti/backoff/v4 driving the
// 3-retry/100ms·2^k publish backoff while connected; matches are dropped
// with a warning instead of retried while known disconnected, or if the
// queue itself is full.
package redissink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ctfleet/internal/sinks/wire"
	"ctfleet/pkg/models"
)

const (
	publishRetries   = 3
	publishBaseDelay = 100 * time.Millisecond
	connectTimeout   = 5 * time.Second
	queueCapacity    = 256
)

// Config configures a Sink.
type Config struct {
	URL      string
	Channel  string
	QueueKey string // empty disables the bounded-list append
	MaxQueue int
	Strict   bool // fail New() if the initial ping fails
}

// Sink is a MatchSink publishing over Redis pub/sub, with an optional
// bounded durable queue. A single worker goroutine owns the Redis
// round trips and the connected flag, so Emit never touches either
// directly.
type Sink struct {
	client *redis.Client
	cfg    Config
	log    zerolog.Logger

	connected  bool // worker-goroutine-owned only
	queue      chan []byte
	workerDone chan struct{}

	// pending counts payloads handed to the worker but not yet processed.
	// Exists so tests can observe the queue having drained; Emit and the
	// pipeline never read it.
	pending atomic.Int64
}

// New constructs a Sink and starts its worker goroutine. In strict mode, a
// failed initial connection returns an error (the caller fails startup
// before any poller is spawned, per spec.md S6); in lenient mode, a failed
// initial connection is only logged and the worker retries lazily on first
// use, dropping matches in the meantime. An unparseable URL is an error in
// either mode.
func New(cfg Config, log zerolog.Logger) (*Sink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redissink: parsing redis.url: %w", err)
	}
	client := redis.NewClient(opts)

	s := &Sink{
		client:     client,
		cfg:        cfg,
		log:        log.With().Str("component", "redissink").Logger(),
		queue:      make(chan []byte, queueCapacity),
		workerDone: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if cfg.Strict {
			return nil, fmt.Errorf("redissink: strict mode initial connect failed: %w", err)
		}
		s.log.Warn().Err(err).Msg("initial connect failed, starting disconnected and retrying lazily")
	} else {
		s.connected = true
	}

	go s.worker()
	return s, nil
}

// worker is the detached task spec.md §4.7 describes: it owns every Redis
// round trip so the Match Pipeline's consumer, which only ever sends on
// queue, is never blocked by one.
func (s *Sink) worker() {
	defer close(s.workerDone)
	for payload := range s.queue {
		s.publishQueued(payload)
		s.pending.Add(-1)
	}
}

func (s *Sink) publishQueued(payload []byte) {
	if !s.connected {
		// Known disconnected: one unretried probe publish, so a real
		// reconnect is noticed without a separate health check loop, but a
		// still-dead connection is dropped immediately rather than retried
		// inline (spec.md §7/S6's lenient-mode gap behavior).
		if err := s.publishOnce(payload); err != nil {
			s.log.Warn().Err(err).Msg("sink disconnected, match dropped")
			return
		}
		s.connected = true
		s.log.Info().Msg("sink reconnected")
		return
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = publishBaseDelay
	eb.Multiplier = 2
	b := backoff.WithMaxRetries(eb, publishRetries)

	err := backoff.Retry(func() error {
		return s.publishOnce(payload)
	}, b)

	if err != nil {
		s.connected = false
		s.log.Warn().Err(err).Msg("publish failed after retries, marking sink disconnected and dropping match")
	}
}

func (s *Sink) publishOnce(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.cfg.Channel, payload).Err(); err != nil {
		return fmt.Errorf("redissink: publish: %w", err)
	}

	if s.cfg.QueueKey == "" {
		return nil
	}

	if err := s.client.RPush(ctx, s.cfg.QueueKey, payload).Err(); err != nil {
		return fmt.Errorf("redissink: rpush: %w", err)
	}
	maxQueue := s.cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 10000
	}
	if err := s.client.LTrim(ctx, s.cfg.QueueKey, -int64(maxQueue), -1).Err(); err != nil {
		return fmt.Errorf("redissink: ltrim: %w", err)
	}
	return nil
}

// Emit implements sinks.MatchSink. It marshals the result and hands it to
// the worker goroutine over a bounded channel, returning immediately: the
// Match Pipeline's single consumer must never block on a Redis round trip
// (spec.md §4.7). If the queue itself is saturated — the worker is stuck
// retrying a slow publish — the match is dropped with a warning rather
// than blocking the caller.
func (s *Sink) Emit(result models.MatchResult) {
	payload, err := json.Marshal(wire.ToWire(result))
	if err != nil {
		s.log.Error().Err(err).Msg("marshal failed")
		return
	}

	select {
	case s.queue <- payload:
		s.pending.Add(1)
	default:
		s.log.Warn().Msg("publish queue full, match dropped")
	}
}

// Close stops accepting new matches, waits for the worker to drain the
// queue, then releases the underlying connection pool.
func (s *Sink) Close() error {
	close(s.queue)
	<-s.workerDone
	return s.client.Close()
}
