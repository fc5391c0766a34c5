// Package statestore persists the per-log cursor map to a single file with
// atomic rewrites, so a crash mid-write never corrupts the previous state.
package statestore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is a keyed map of log URL to last-processed-index, backed by a
// human-readable key/value file. Safe for concurrent use.
type Store struct {
	path string
	log  zerolog.Logger

	mu           sync.Mutex
	cursors      map[string]uint64
	sinceFlush   map[string]int // advances since last flush, per log
	flushEvery   int
}

// New constructs a Store bound to path. Call Load before using it in
// production; tests may skip Load to start from an empty map.
func New(path string, log zerolog.Logger) *Store {
	return &Store{
		path:       path,
		log:        log.With().Str("component", "statestore").Logger(),
		cursors:    make(map[string]uint64),
		sinceFlush: make(map[string]int),
		flushEvery: 100,
	}
}

// SetFlushEvery overrides the default "flush every N advances per log"
// threshold (spec.md §4.2 default 100).
func (s *Store) SetFlushEvery(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushEvery = n
}

// Load reads the persisted file, if any. An absent or corrupt file is
// treated as "no prior state": it is never fatal. A corrupt file is
// rotated aside with a ".corrupt-<timestamp>" suffix so the raw bytes
// aren't silently discarded.
func (s *Store) Load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		s.log.Info().Str("path", s.path).Msg("no prior state file, starting empty")
		return nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("failed to open state file, starting empty")
		return nil
	}
	defer f.Close()

	cursors, err := parseStateFile(f)
	if err != nil {
		f.Close()
		s.rotateAside(err)
		return nil
	}

	s.mu.Lock()
	s.cursors = cursors
	s.mu.Unlock()

	s.log.Info().Int("logs", len(cursors)).Str("path", s.path).Msg("loaded cursor state")
	return nil
}

func (s *Store) rotateAside(cause error) {
	dest := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("state file corrupt and could not be rotated aside")
		return
	}
	s.log.Warn().Err(cause).Str("rotated_to", dest).Msg("state file corrupt, rotated aside, starting empty")
}

func parseStateFile(f *os.File) (map[string]uint64, error) {
	cursors := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.LastIndex(line, "\t")
		if idx < 0 {
			return nil, fmt.Errorf("statestore: malformed line %q", line)
		}
		url := line[:idx]
		value, err := strconv.ParseUint(strings.TrimSpace(line[idx+1:]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("statestore: malformed value in line %q: %w", line, err)
		}
		cursors[url] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cursors, nil
}

// Get returns the last persisted index for a log, or 0 if unknown.
func (s *Store) Get(logURL string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[logURL]
}

// Known reports whether logURL has a cursor in the map, either read by
// Load or stored by a Record call that advanced it. Record only stores
// values above the current one, so a log whose only recorded index is 0
// stays unknown.
func (s *Store) Known(logURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cursors[logURL]
	return ok
}

// Record updates the in-memory cursor for a log and triggers a flush once
// every flushEvery advances for that log. It never moves a cursor
// backward (invariant I1).
func (s *Store) Record(logURL string, index uint64) {
	s.mu.Lock()
	if index > s.cursors[logURL] {
		s.cursors[logURL] = index
		s.sinceFlush[logURL]++
	}
	due := s.sinceFlush[logURL] >= s.flushEvery
	if due {
		s.sinceFlush[logURL] = 0
	}
	s.mu.Unlock()

	if due {
		if err := s.Flush(); err != nil {
			s.log.Warn().Err(err).Str("log_url", logURL).Msg("periodic flush after cursor advance failed")
		}
	}
}

// Flush atomically rewrites the state file: write to a sibling temp path,
// fsync if the platform supports it, then rename over the target.
func (s *Store) Flush() error {
	s.mu.Lock()
	snapshot := make(map[string]uint64, len(s.cursors))
	for k, v := range s.cursors {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("statestore: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for url, idx := range snapshot {
		if _, err := fmt.Fprintf(w, "%s\t%d\n", url, idx); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("statestore: write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: flush buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: rename temp file over target: %w", err)
	}

	s.log.Debug().Int("logs", len(snapshot)).Msg("flushed cursor state")
	return nil
}

// Snapshot returns a copy of the current in-memory cursor map, for tests
// and diagnostics.
func (s *Store) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out
}

// StartPeriodicFlusher runs Flush every interval until stop is closed,
// logging (not panicking) on failure. It blocks, so run it in its own
// goroutine.
func (s *Store) StartPeriodicFlusher(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.Warn().Err(err).Msg("periodic flush failed")
			}
		}
	}
}
