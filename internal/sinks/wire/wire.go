// Package wire holds the JSON shape a MatchResult takes on the way out of
// the core, shared by every concrete MatchSink (spec.md §6).
package wire

import (
	"time"

	"ctfleet/pkg/models"
)

// WireMatch is the JSON shape of a MatchResult, per spec.md §6:
// {event_type, timestamp, matched_domain, all_domains, cert_index,
// not_before, not_after, fingerprint, program_name?, ct_log, issuer?,
// is_precert}.
type WireMatch struct {
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	MatchedDomain string    `json:"matched_domain"`
	AllDomains    []string  `json:"all_domains"`
	CertIndex     uint64    `json:"cert_index"`
	NotBefore     time.Time `json:"not_before"`
	NotAfter      time.Time `json:"not_after"`
	Fingerprint   string    `json:"fingerprint"`
	ProgramName   string    `json:"program_name,omitempty"`
	CTLog         string    `json:"ct_log"`
	Issuer        string    `json:"issuer,omitempty"`
	IsPrecert     bool      `json:"is_precert"`
}

// ToWire converts a MatchResult into its JSON wire shape.
func ToWire(r models.MatchResult) WireMatch {
	return WireMatch{
		EventType:     "ct_match",
		Timestamp:     r.DiscoveredAt,
		MatchedDomain: r.MatchedIdentifier,
		AllDomains:    r.AllNames,
		CertIndex:     r.CertIndex,
		NotBefore:     r.NotBefore,
		NotAfter:      r.NotAfter,
		Fingerprint:   r.Fingerprint,
		ProgramName:   r.ProgramLabel,
		CTLog:         r.SourceLogURL,
		Issuer:        r.IssuerCN,
		IsPrecert:     r.IsPrecert,
	}
}
