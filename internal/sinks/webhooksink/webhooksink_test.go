package webhooksink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"ctfleet/pkg/models"
)

func TestEmit_PostsSignedBody(t *testing.T) {
	secret := []byte("test-secret")
	var gotBody []byte
	var gotSig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, secret, zerolog.Nop())
	s.Emit(models.MatchResult{MatchedIdentifier: "a.example.com"})

	if !strings.Contains(string(gotBody), "a.example.com") {
		t.Errorf("unexpected body: %s", gotBody)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature mismatch: got %s want %s", gotSig, want)
	}
}

func TestEmit_RetriesOnFailureThenGivesUp(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, nil, zerolog.Nop())
	s.Emit(models.MatchResult{MatchedIdentifier: "a.example.com"})

	if got := atomic.LoadInt32(&attempts); got != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, got)
	}
}

func TestEmit_SucceedsAfterTransientFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, nil, zerolog.Nop())
	s.Emit(models.MatchResult{MatchedIdentifier: "a.example.com"})

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("expected exactly 2 attempts (fail then succeed), got %d", got)
	}
}
