// Package loglist resolves the canonical CT log list document into the set
// of LogDescriptors the Log Coordinator should poll (spec.md §4.1).
package loglist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ctfleet/pkg/models"
)

// ResolverError distinguishes "could not get a log list at all" from a
// parse or policy problem further down the stack.
type ResolverError struct {
	Cause error
}

func (e *ResolverError) Error() string { return fmt.Sprintf("loglist: resolve failed: %v", e.Cause) }
func (e *ResolverError) Unwrap() error { return e.Cause }

// stateTimestamp matches a log-list state sub-object, which the spec says
// holds only a timestamp. Any other fields are tolerated and ignored.
type stateTimestamp struct {
	Timestamp string `json:"timestamp"`
}

type logState struct {
	Usable    *stateTimestamp `json:"usable,omitempty"`
	Qualified *stateTimestamp `json:"qualified,omitempty"`
	Readonly  *stateTimestamp `json:"readonly,omitempty"`
	Retired   *stateTimestamp `json:"retired,omitempty"`
	Rejected  *stateTimestamp `json:"rejected,omitempty"`
	Pending   *stateTimestamp `json:"pending,omitempty"`
}

func (s logState) tag() models.LogState {
	switch {
	case s.Usable != nil:
		return models.LogStateUsable
	case s.Qualified != nil:
		return models.LogStateQualified
	case s.Readonly != nil:
		return models.LogStateReadonly
	case s.Retired != nil:
		return models.LogStateRetired
	case s.Rejected != nil:
		return models.LogStateRejected
	case s.Pending != nil:
		return models.LogStatePending
	default:
		return ""
	}
}

type logEntryDoc struct {
	URL         string   `json:"url"`
	Description string   `json:"description"`
	State       logState `json:"state"`
	MMD         int      `json:"mmd"`
}

type operatorDoc struct {
	Name  string        `json:"name"`
	Email string        `json:"email"`
	Logs  []logEntryDoc `json:"logs"`
}

type logListDoc struct {
	Operators []operatorDoc `json:"operators"`
}

// AcceptancePolicy is the 3-bit configuration from spec.md §4.1.
type AcceptancePolicy struct {
	IncludeReadonly bool
	IncludePending  bool
	IncludeAll bool
}

func (p AcceptancePolicy) accepts(tag models.LogState) bool {
	if p.IncludeAll {
		return true
	}
	switch tag {
	case models.LogStateUsable, models.LogStateQualified:
		return true
	case models.LogStateReadonly:
		return p.IncludeReadonly
	case models.LogStatePending:
		return p.IncludePending
	default:
		return false
	}
}

// Resolver fetches, filters and merges the monitored log set.
type Resolver struct {
	client         *http.Client
	logListURL     string
	staticFallback []models.LogDescriptor
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStaticFallback supplies a log set to use if the list document cannot
// be fetched, so a transient network issue at startup does not need to be
// fatal.
func WithStaticFallback(logs []models.LogDescriptor) Option {
	return func(r *Resolver) { r.staticFallback = logs }
}

// WithHTTPClient overrides the default client (http.Client{Timeout: 30s}).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// New constructs a Resolver pointed at logListURL.
func New(logListURL string, opts ...Option) *Resolver {
	r := &Resolver{
		logListURL: logListURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches the log list, applies the acceptance policy, unions
// additionalLogs (de-duplicated by URL) and caps the result at
// maxConcurrentLogs if positive.
func (r *Resolver) Resolve(ctx context.Context, policy AcceptancePolicy, additionalLogs []models.LogDescriptor, maxConcurrentLogs int) ([]models.LogDescriptor, error) {
	doc, err := r.fetch(ctx)
	if err != nil {
		if len(r.staticFallback) == 0 {
			return nil, &ResolverError{Cause: err}
		}
		doc = nil // fall through to static-only merge below
	}

	byURL := make(map[string]models.LogDescriptor)

	if doc != nil {
		for _, op := range doc.Operators {
			for _, l := range op.Logs {
				tag := l.State.tag()
				if !policy.accepts(tag) {
					continue
				}
				byURL[l.URL] = models.LogDescriptor{
					URL:        l.URL,
					Operator:   op.Name,
					StateTag:   tag,
					MMDSeconds: l.MMD,
				}
			}
		}
	} else {
		for _, l := range r.staticFallback {
			byURL[l.URL] = l
		}
	}

	for _, l := range additionalLogs {
		byURL[l.URL] = l
	}

	out := make([]models.LogDescriptor, 0, len(byURL))
	for _, l := range byURL {
		out = append(out, l)
	}

	if maxConcurrentLogs > 0 && len(out) > maxConcurrentLogs {
		out = out[:maxConcurrentLogs]
	}

	return out, nil
}

func (r *Resolver) fetch(ctx context.Context) (*logListDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.logListURL, nil)
	if err != nil {
		return nil, fmt.Errorf("loglist: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loglist: fetch %s: %w", r.logListURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("loglist: fetch %s: status %s: %s", r.logListURL, resp.Status, body)
	}

	var doc logListDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("loglist: decode %s: %w", r.logListURL, err)
	}
	return &doc, nil
}
