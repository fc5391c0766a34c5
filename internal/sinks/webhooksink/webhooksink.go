// Package webhooksink posts match results to an HTTP endpoint, signing
// the JSON body with HMAC-SHA256 so the receiver can authenticate the
// source. Grounded on the teacher's plain http.Client usage plus the
// manual exponential-backoff retry idiom from
// other_examples/33f501a8_routing-cafe-ctmon (calculateBackoffDelay).
package webhooksink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ctfleet/internal/sinks/wire"
	"ctfleet/pkg/models"
)

const (
	maxAttempts       = 3
	initialRetryDelay = 200 * time.Millisecond
	retryMultiplier   = 2.0
	requestTimeout    = 10 * time.Second
)

// Sink POSTs each match result's wire JSON to url, signed with secret.
type Sink struct {
	url        string
	secret     []byte
	httpClient *http.Client
	log        zerolog.Logger
}

// New constructs a Sink. secret may be empty to disable signing (useful in
// development); production configurations should always set one.
func New(url string, secret []byte, log zerolog.Logger) *Sink {
	return &Sink{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.With().Str("component", "webhooksink").Logger(),
	}
}

// Emit implements sinks.MatchSink: up to maxAttempts POSTs with exponential
// backoff, logging and giving up silently on final failure.
func (s *Sink) Emit(result models.MatchResult) {
	body, err := json.Marshal(wire.ToWire(result))
	if err != nil {
		s.log.Error().Err(err).Msg("marshal failed")
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := s.post(body); err != nil {
			if attempt == maxAttempts-1 {
				s.log.Warn().Err(err).Int("attempts", attempt+1).Msg("giving up on webhook delivery")
				return
			}
			time.Sleep(calculateBackoffDelay(attempt))
			continue
		}
		return
	}
}

func (s *Sink) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhooksink: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set("X-Signature-256", "sha256="+sign(s.secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhooksink: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhooksink: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func calculateBackoffDelay(attempt int) time.Duration {
	return time.Duration(float64(initialRetryDelay) * math.Pow(retryMultiplier, float64(attempt)))
}
