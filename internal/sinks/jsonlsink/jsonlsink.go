// Package jsonlsink appends match results to a JSON-lines file, one
// compact JSON document per line. Grounded on the teacher's
// LogHandler (handlers.go), generalized from a timestamp-prefixed plain
// log line to a parseable JSONL stream.
package jsonlsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"ctfleet/internal/sinks/wire"
	"ctfleet/pkg/models"
)

// Sink appends one JSON line per match result to an open file handle.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	log  zerolog.Logger
}

// New opens (creating if absent, appending if present) the file at path.
func New(path string, log zerolog.Logger) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jsonlsink: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonlsink: open %s: %w", path, err)
	}
	return &Sink{file: f, log: log.With().Str("component", "jsonlsink").Logger()}, nil
}

// Emit implements sinks.MatchSink. Write failures are logged rather than
// propagated, per the interface contract.
func (s *Sink) Emit(result models.MatchResult) {
	data, err := json.Marshal(wire.ToWire(result))
	if err != nil {
		s.log.Error().Err(err).Msg("marshal failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		s.log.Error().Err(err).Msg("write failed")
		return
	}
	if err := s.file.Sync(); err != nil {
		s.log.Error().Err(err).Msg("sync failed")
	}
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
