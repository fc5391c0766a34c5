// Package stdoutsink renders match results to stdout, either as an
// indented JSON document or as a human-readable boxed table. Grounded on
// the teacher's FileHandler.writeToStdout/printTable pair.
package stdoutsink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"ctfleet/internal/sinks/wire"
	"ctfleet/pkg/models"
)

// Format selects the rendering.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
)

// Sink writes every match result to w as it arrives.
type Sink struct {
	w      io.Writer
	format Format
	log    zerolog.Logger
}

// New constructs a Sink writing to os.Stdout in the given format. An
// unrecognized format falls back to FormatJSON.
func New(format Format, log zerolog.Logger) *Sink {
	return NewWithWriter(os.Stdout, format, log)
}

// NewWithWriter is New with an explicit writer, for tests.
func NewWithWriter(w io.Writer, format Format, log zerolog.Logger) *Sink {
	if format != FormatTable {
		format = FormatJSON
	}
	return &Sink{w: w, format: format, log: log.With().Str("component", "stdoutsink").Logger()}
}

// Emit implements sinks.MatchSink. A marshal failure is logged and
// otherwise swallowed, per the interface's "must not fail the caller"
// contract.
func (s *Sink) Emit(result models.MatchResult) {
	switch s.format {
	case FormatTable:
		s.printTable(result)
	default:
		data, err := json.MarshalIndent(wire.ToWire(result), "", "  ")
		if err != nil {
			s.log.Error().Err(err).Msg("marshal failed")
			return
		}
		fmt.Fprintln(s.w, string(data))
	}
}

func (s *Sink) printTable(r models.MatchResult) {
	fmt.Fprintf(s.w, "┌─────────────────────────────────────────────────────────────┐\n")
	fmt.Fprintf(s.w, "│ Certificate Transparency Match                              │\n")
	fmt.Fprintf(s.w, "├─────────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(s.w, "│ Matched:       %-44s │\n", r.MatchedIdentifier)
	fmt.Fprintf(s.w, "│ Discovered:    %-44s │\n", r.DiscoveredAt.Format(time.RFC3339))
	fmt.Fprintf(s.w, "│ CT Log:        %-44s │\n", r.SourceLogURL)
	fmt.Fprintf(s.w, "│ Cert Index:    %-44d │\n", r.CertIndex)
	fmt.Fprintf(s.w, "│ Issuer:        %-44s │\n", r.IssuerCN)
	fmt.Fprintf(s.w, "│ Not Before:    %-44s │\n", r.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(s.w, "│ Not After:     %-44s │\n", r.NotAfter.Format(time.RFC3339))
	if r.ProgramLabel != "" {
		fmt.Fprintf(s.w, "│ Program:       %-44s │\n", r.ProgramLabel)
	}
	if len(r.AllNames) > 0 {
		fmt.Fprintf(s.w, "│ All names:     %-44s │\n", fmt.Sprintf("(%d found)", len(r.AllNames)))
		for i, n := range r.AllNames {
			if i < 3 {
				fmt.Fprintf(s.w, "│   - %-51s │\n", n)
			} else if i == 3 {
				fmt.Fprintf(s.w, "│   - %-51s │\n", "... and more")
				break
			}
		}
	}
	fmt.Fprintf(s.w, "└─────────────────────────────────────────────────────────────┘\n\n")
}
