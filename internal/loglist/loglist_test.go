package loglist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"ctfleet/pkg/models"
)

const sampleDoc = `{
  "operators": [
    {
      "name": "Google",
      "logs": [
        {"url": "https://ct.googleapis.com/logs/argon2024/", "description": "usable log", "state": {"usable": {"timestamp": "2024-01-01T00:00:00Z"}}},
        {"url": "https://ct.googleapis.com/logs/solera2024/", "description": "readonly log", "state": {"readonly": {"timestamp": "2024-01-01T00:00:00Z"}}},
        {"url": "https://ct.googleapis.com/logs/future2026/", "description": "pending log", "state": {"pending": {"timestamp": "2026-01-01T00:00:00Z"}}},
        {"url": "https://ct.googleapis.com/logs/dead2020/", "description": "rejected log", "state": {"rejected": {"timestamp": "2020-01-01T00:00:00Z"}}}
      ]
    }
  ]
}`

func testServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
}

func urls(logs []models.LogDescriptor) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.URL)
	}
	sort.Strings(out)
	return out
}

func TestResolve_DefaultPolicyAcceptsUsableAndQualifiedOnly(t *testing.T) {
	srv := testServer(t, sampleDoc)
	defer srv.Close()

	r := New(srv.URL)
	logs, err := r.Resolve(context.Background(), AcceptancePolicy{}, nil, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := urls(logs)
	want := []string{"https://ct.googleapis.com/logs/argon2024/"}
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolve_IncludeReadonlyAndPending(t *testing.T) {
	srv := testServer(t, sampleDoc)
	defer srv.Close()

	r := New(srv.URL)
	logs, err := r.Resolve(context.Background(), AcceptancePolicy{IncludeReadonly: true, IncludePending: true}, nil, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := urls(logs)
	if len(got) != 3 {
		t.Errorf("expected 3 logs, got %v", got)
	}
}

func TestResolve_IncludeAllAcceptsRejected(t *testing.T) {
	srv := testServer(t, sampleDoc)
	defer srv.Close()

	r := New(srv.URL)
	logs, err := r.Resolve(context.Background(), AcceptancePolicy{IncludeAll: true}, nil, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(logs) != 4 {
		t.Errorf("expected 4 logs (all states), got %d", len(logs))
	}
}

func TestResolve_AdditionalLogsUnionedByURL(t *testing.T) {
	srv := testServer(t, sampleDoc)
	defer srv.Close()

	r := New(srv.URL)
	extra := []models.LogDescriptor{
		{URL: "https://custom.example/log/"},
		{URL: "https://ct.googleapis.com/logs/argon2024/", Operator: "override"}, // de-duped
	}
	logs, err := r.Resolve(context.Background(), AcceptancePolicy{}, extra, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := urls(logs)
	if len(got) != 2 {
		t.Errorf("expected 2 logs after union+dedup, got %v", got)
	}
}

func TestResolve_MaxConcurrentLogsCaps(t *testing.T) {
	srv := testServer(t, sampleDoc)
	defer srv.Close()

	r := New(srv.URL)
	logs, err := r.Resolve(context.Background(), AcceptancePolicy{IncludeAll: true}, nil, 2)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("expected cap of 2, got %d", len(logs))
	}
}

func TestResolve_FetchFailureFallsBackToStatic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fallback := []models.LogDescriptor{{URL: "https://static.example/log/"}}
	r := New(srv.URL, WithStaticFallback(fallback))
	logs, err := r.Resolve(context.Background(), AcceptancePolicy{}, nil, 0)
	if err != nil {
		t.Fatalf("Resolve should not error with a static fallback: %v", err)
	}
	if len(logs) != 1 || logs[0].URL != "https://static.example/log/" {
		t.Errorf("unexpected fallback result: %v", logs)
	}
}

func TestResolve_FetchFailureNoFallbackIsResolverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(srv.URL)
	_, err := r.Resolve(context.Background(), AcceptancePolicy{}, nil, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	var rerr *ResolverError
	if !asResolverError(err, &rerr) {
		t.Errorf("expected *ResolverError, got %T: %v", err, err)
	}
}

func asResolverError(err error, target **ResolverError) bool {
	if re, ok := err.(*ResolverError); ok {
		*target = re
		return true
	}
	return false
}
