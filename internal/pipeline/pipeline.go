// Package pipeline is the single-consumer Match Pipeline: it reads
// CertificateEvents off the coordinator's channel and runs subject
// expansion, watchlist matching, dedupe, an optional root-domain
// post-filter, and sink fan-out, in that order (spec.md §4.6).
package pipeline

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ctfleet/internal/dedupe"
	"ctfleet/internal/watchlist"
	"ctfleet/pkg/models"
	"ctfleet/pkg/sinks"
)

// Pipeline owns the dedupe cache exclusively; no other task touches it
// (spec.md §5 "Shared mutable state").
type Pipeline struct {
	watchlist   *watchlist.Watchlist
	dedupe      *dedupe.Cache
	sinks       []sinks.MatchSink
	rootDomains map[string]struct{} // nil disables the post-filter
	log         zerolog.Logger
	now         func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRootDomains enables the optional post-filter of spec.md §4.6 step 4:
// a match is kept only if its matched_identifier equals, or is a
// subdomain of, one of these roots.
func WithRootDomains(roots []string) Option {
	return func(p *Pipeline) {
		if len(roots) == 0 {
			return
		}
		m := make(map[string]struct{}, len(roots))
		for _, r := range roots {
			m[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
		}
		p.rootDomains = m
	}
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New constructs a Pipeline over the given watchlist, dedupe cache and
// sinks.
func New(wl *watchlist.Watchlist, dc *dedupe.Cache, sinkList []sinks.MatchSink, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		watchlist: wl,
		dedupe:    dc,
		sinks:     sinkList,
		log:       log.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes events until the channel is closed or stop fires. It is
// meant to run as the pipeline's single goroutine.
func (p *Pipeline) Run(events <-chan models.CertificateEvent, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Process(ev)
		}
	}
}

// Process runs one CertificateEvent through the full pipeline. Exported so
// tests (and S1/S2/S4 scenario tests) can drive it synchronously.
func (p *Pipeline) Process(ev models.CertificateEvent) {
	subjects := expandSubjects(ev.Certificate)
	if len(subjects) == 0 {
		return
	}

	m, ok := p.watchlist.Match(subjects)
	if !ok {
		return
	}

	if p.dedupe != nil && p.dedupe.SeenBefore(ev.Certificate.Fingerprint, m.Identifier) {
		return
	}

	if p.rootDomains != nil && !matchesRootDomains(m.Identifier, p.rootDomains) {
		return
	}

	result := models.MatchResult{
		MatchedIdentifier: m.Identifier,
		AllNames:          append(append([]string{}, ev.Certificate.DNSNames...), ev.Certificate.IPAddresses...),
		CertIndex:         ev.EntryIndex,
		NotBefore:         ev.Certificate.NotBefore,
		NotAfter:          ev.Certificate.NotAfter,
		Fingerprint:       ev.Certificate.Fingerprint,
		ProgramLabel:      m.ProgramLabel,
		SourceLogURL:      ev.SourceLogURL,
		IssuerCN:          ev.Certificate.IssuerCN,
		IsPrecert:         ev.Certificate.IsPrecert,
		DiscoveredAt:      p.now(),
	}

	p.fanOut(result)
}

// fanOut hands the result to every sink. A sink failure is the sink's own
// problem (the MatchSink interface has no error return); a panic in one
// sink must not prevent the others from running.
func (p *Pipeline) fanOut(result models.MatchResult) {
	for _, s := range p.sinks {
		p.emitSafely(s, result)
	}
}

func (p *Pipeline) emitSafely(s sinks.MatchSink, result models.MatchResult) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("matched_identifier", result.MatchedIdentifier).Msg("sink panicked, continuing with remaining sinks")
		}
	}()
	s.Emit(result)
}

// expandSubjects implements spec.md §4.6 step 1: the union of dNSName
// entries and any IP literals the parser surfaced, with wildcard labels
// retained (matching, not expansion, happens in the watchlist).
func expandSubjects(cert models.ParsedCertificate) []string {
	subjects := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	subjects = append(subjects, cert.DNSNames...)
	subjects = append(subjects, cert.IPAddresses...)
	return subjects
}

func matchesRootDomains(identifier string, roots map[string]struct{}) bool {
	id := strings.ToLower(identifier)
	for root := range roots {
		if id == root || strings.HasSuffix(id, "."+root) {
			return true
		}
	}
	return false
}
