// Package csvsink appends match results to a CSV file, writing a header
// row on first creation. Grounded on the teacher's file-writing handlers
// (handlers.go), generalized from one-JSON-file-per-event to a single
// append-only tabular stream.
package csvsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ctfleet/pkg/models"
)

var header = []string{
	"event_type", "timestamp", "matched_domain", "all_domains", "cert_index",
	"not_before", "not_after", "fingerprint", "program_name", "ct_log",
	"issuer", "is_precert",
}

// Sink appends one CSV row per match result.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	log  zerolog.Logger
}

// New opens (or creates) the CSV file at path, writing the header row only
// if the file is new.
func New(path string, log zerolog.Logger) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csvsink: create directory: %w", err)
	}

	needsHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csvsink: open %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	s := &Sink{file: f, w: w, log: log.With().Str("component", "csvsink").Logger()}
	if needsHeader {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("csvsink: write header: %w", err)
		}
		w.Flush()
	}
	return s, nil
}

// Emit implements sinks.MatchSink. Write failures are logged rather than
// propagated, per the interface contract.
func (s *Sink) Emit(result models.MatchResult) {
	row := []string{
		"ct_match",
		result.DiscoveredAt.Format(time.RFC3339),
		result.MatchedIdentifier,
		joinNames(result.AllNames),
		strconv.FormatUint(result.CertIndex, 10),
		result.NotBefore.Format(time.RFC3339),
		result.NotAfter.Format(time.RFC3339),
		result.Fingerprint,
		result.ProgramLabel,
		result.SourceLogURL,
		result.IssuerCN,
		strconv.FormatBool(result.IsPrecert),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(row); err != nil {
		s.log.Error().Err(err).Msg("write failed")
		return
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.log.Error().Err(err).Msg("flush failed")
	}
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.file.Close()
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ";"
		}
		out += n
	}
	return out
}
