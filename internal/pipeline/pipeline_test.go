package pipeline

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ctfleet/internal/dedupe"
	"ctfleet/internal/watchlist"
	"ctfleet/pkg/models"
	"ctfleet/pkg/sinks"
)

type recordingSink struct {
	results []models.MatchResult
}

func (s *recordingSink) Emit(result models.MatchResult) {
	s.results = append(s.results, result)
}

type panickingSink struct{}

func (panickingSink) Emit(result models.MatchResult) { panic("boom") }

func newTestWatchlist() *watchlist.Watchlist {
	wl := watchlist.New()
	wl.AddDomains("acme-bbp", "*.acme.example")
	return wl
}

func sampleEvent(dnsNames []string, fingerprint string) models.CertificateEvent {
	return models.CertificateEvent{
		Certificate: models.ParsedCertificate{
			DNSNames:    dnsNames,
			NotBefore:   time.Unix(1000, 0),
			NotAfter:    time.Unix(2000, 0),
			Fingerprint: fingerprint,
			IssuerCN:    "Test CA",
		},
		SourceLogURL: "https://ct.example/log1/",
		EntryIndex:   42,
	}
}

func TestProcess_MatchFansOutToAllSinks(t *testing.T) {
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	p := New(newTestWatchlist(), dedupe.New(time.Hour, true), []sinks.MatchSink{sinkA, sinkB}, zerolog.Nop())

	p.Process(sampleEvent([]string{"host.acme.example"}, "fp-1"))

	if len(sinkA.results) != 1 || len(sinkB.results) != 1 {
		t.Fatalf("expected both sinks to receive one result, got A=%d B=%d", len(sinkA.results), len(sinkB.results))
	}
	got := sinkA.results[0]
	if got.MatchedIdentifier != "host.acme.example" || got.ProgramLabel != "acme-bbp" {
		t.Errorf("unexpected match result: %+v", got)
	}
	if got.SourceLogURL != "https://ct.example/log1/" || got.CertIndex != 42 {
		t.Errorf("event metadata not carried through: %+v", got)
	}
}

func TestProcess_NonMatchingSubjectEmitsNothing(t *testing.T) {
	sink := &recordingSink{}
	p := New(newTestWatchlist(), dedupe.New(time.Hour, true), []sinks.MatchSink{sink}, zerolog.Nop())

	p.Process(sampleEvent([]string{"unrelated.example.org"}, "fp-1"))

	if len(sink.results) != 0 {
		t.Errorf("expected no match, got %+v", sink.results)
	}
}

func TestProcess_DedupeSuppressesRepeat(t *testing.T) {
	sink := &recordingSink{}
	p := New(newTestWatchlist(), dedupe.New(time.Hour, true), []sinks.MatchSink{sink}, zerolog.Nop())

	ev := sampleEvent([]string{"host.acme.example"}, "fp-dup")
	p.Process(ev)
	p.Process(ev)

	if len(sink.results) != 1 {
		t.Errorf("expected exactly one emission for a repeated (fingerprint, identifier) pair, got %d", len(sink.results))
	}
}

func TestProcess_RootDomainPostFilterRejectsOutOfScopeMatch(t *testing.T) {
	wl := watchlist.New()
	wl.AddDomains("", "*.acme.example")
	wl.AddDomains("", "*.other.example")
	sink := &recordingSink{}
	p := New(wl, dedupe.New(time.Hour, true), []sinks.MatchSink{sink}, zerolog.Nop(), WithRootDomains([]string{"acme.example"}))

	p.Process(sampleEvent([]string{"host.other.example"}, "fp-2"))
	if len(sink.results) != 0 {
		t.Errorf("expected root-domain post-filter to reject out-of-scope match, got %+v", sink.results)
	}

	p.Process(sampleEvent([]string{"host.acme.example"}, "fp-3"))
	if len(sink.results) != 1 {
		t.Errorf("expected in-scope match to pass the post-filter, got %d", len(sink.results))
	}
}

func TestProcess_NoSubjectsIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	p := New(newTestWatchlist(), dedupe.New(time.Hour, true), []sinks.MatchSink{sink}, zerolog.Nop())

	p.Process(sampleEvent(nil, "fp-4"))
	if len(sink.results) != 0 {
		t.Errorf("expected no emission for a certificate with no usable subjects")
	}
}

func TestProcess_PanickingSinkDoesNotBlockOthers(t *testing.T) {
	sink := &recordingSink{}
	p := New(newTestWatchlist(), dedupe.New(time.Hour, true), []sinks.MatchSink{panickingSink{}, sink}, zerolog.Nop())

	p.Process(sampleEvent([]string{"host.acme.example"}, "fp-5"))

	if len(sink.results) != 1 {
		t.Errorf("expected the second sink to still receive the result despite the first panicking, got %d", len(sink.results))
	}
}
