// Package models holds the data types shared across ctfleet's components:
// log descriptors, cursors, parsed certificates and match results. None of
// these types carry behavior beyond small helpers; the components in
// internal/* own the logic that produces and consumes them.
package models

import "time"

// LogState is the state tag a CT log operator assigns a log in the log
// list document (https://www.gstatic.com/ct/log_list/v3/log_list.json
// and friends).
type LogState string

const (
	LogStateUsable   LogState = "usable"
	LogStateQualified LogState = "qualified"
	LogStateReadonly LogState = "readonly"
	LogStateRetired  LogState = "retired"
	LogStateRejected LogState = "rejected"
	LogStatePending  LogState = "pending"
)

// LogDescriptor is an immutable, resolved CT log endpoint.
type LogDescriptor struct {
	URL        string
	Operator   string
	StateTag   LogState
	MMDSeconds int
}

// LogCursor is the per-log "next index not yet emitted" value persisted by
// the State Store. A value of 0 means the log has never been polled.
type LogCursor struct {
	LogURL           string
	LastProcessedIndex uint64
}

// SignedTreeHead is the subset of an RFC 6962 get-sth response the poller
// needs to bound an iteration.
type SignedTreeHead struct {
	TreeSize  uint64
	Timestamp uint64
	RootHash  []byte
}

// LogEntryWire is one element of a get-entries response, still base64-free
// (the JSON client already decoded it).
type LogEntryWire struct {
	LeafInput []byte
	ExtraData []byte
}

// EntryType mirrors RFC 6962's MerkleTreeLeaf entry_type field.
type EntryType uint16

const (
	EntryTypeX509    EntryType = 0
	EntryTypePrecert EntryType = 1
)

// ParsedCertificate is the Certificate Parser's output for a single log
// entry.
type ParsedCertificate struct {
	DNSNames      []string
	IPAddresses   []string
	NotBefore     time.Time
	NotAfter      time.Time
	Fingerprint   string // lower-case hex sha256 of the DER
	IsPrecert     bool
	IssuerCN      string
	EntryType     EntryType
	LogTimestamp  time.Time // the log-observed timestamp from the Merkle leaf
}

// CertificateEvent is a ParsedCertificate tagged with its log of origin and
// position, as emitted onto the Log Coordinator's event channel.
type CertificateEvent struct {
	Certificate   ParsedCertificate
	SourceLogURL  string
	EntryIndex    uint64
}

// MatchResult is the output of the Match Pipeline for one matched
// certificate.
type MatchResult struct {
	MatchedIdentifier string
	AllNames          []string
	CertIndex         uint64
	NotBefore         time.Time
	NotAfter          time.Time
	Fingerprint       string
	ProgramLabel      string // empty for the anonymous program
	SourceLogURL      string
	IssuerCN          string
	IsPrecert         bool
	DiscoveredAt      time.Time
}

// HealthStatus is one of the three Health Tracker states.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// LogHealth is the in-memory, per-log health record. Never persisted.
type LogHealth struct {
	Status               HealthStatus
	ConsecutiveFailures  uint32
	LastSuccessAt        time.Time
	LastFailureAt        time.Time
	NextAttemptNotBefore time.Time
}
