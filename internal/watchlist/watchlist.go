// Package watchlist implements subject expansion and watchlist matching
// (spec.md §4.6 steps 1-2). A Watchlist holds one anonymous program plus
// zero or more labeled programs, each with four parallel containers:
// suffix patterns, exact hostnames, single IPs and CIDR ranges.
package watchlist

import (
	"net"
	"strings"
	"sync"

	radix "github.com/armon/go-radix"
	"github.com/libp2p/go-cidranger"
)

// Match is the result of a successful watchlist lookup for one subject.
type Match struct {
	Identifier   string
	ProgramLabel string // empty for the anonymous program
}

// program holds one watchlist program's four containers. The anonymous
// program has an empty Label.
type program struct {
	label string

	mu      sync.RWMutex
	suffix  *radix.Tree // key: reversed, dot-terminated label sequence of the pattern's root
	hosts   map[string]struct{}
	ips     map[string]struct{}
	cidrs   cidranger.Ranger
}

func newProgram(label string) *program {
	return &program{
		label:  label,
		suffix: radix.New(),
		hosts:  make(map[string]struct{}),
		ips:    make(map[string]struct{}),
		cidrs:  cidranger.NewPCTrieRanger(),
	}
}

// Watchlist is the process-wide, mutable set of programs. The anonymous
// program is tried first on every match; labeled programs follow in the
// order they were first added.
type Watchlist struct {
	mu        sync.RWMutex
	anonymous *program
	labeled   []*program // definition order
	byLabel   map[string]*program
}

// New constructs an empty Watchlist (one empty anonymous program).
func New() *Watchlist {
	return &Watchlist{
		anonymous: newProgram(""),
		byLabel:   make(map[string]*program),
	}
}

func (w *Watchlist) programFor(label string) *program {
	if label == "" {
		return w.anonymous
	}
	p, ok := w.byLabel[label]
	if !ok {
		p = newProgram(label)
		w.byLabel[label] = p
		w.labeled = append(w.labeled, p)
	}
	return p
}

// AddDomains adds suffix patterns (e.g. "*.x.com" or ".x.com") to a
// program's suffix container. Holding the lock across I/O is forbidden by
// spec.md §5; callers must resolve any I/O before calling this.
func (w *Watchlist) AddDomains(programLabel string, patterns ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.programFor(programLabel)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pattern := range patterns {
		root, includeExact := rootOf(pattern)
		key := reverseLabelKey(root)
		if existing, ok := p.suffix.Get(key); ok {
			includeExact = includeExact || existing.(bool)
		}
		p.suffix.Insert(key, includeExact)
	}
}

// AddHosts adds exact hostnames to a program.
func (w *Watchlist) AddHosts(programLabel string, hosts ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.programFor(programLabel)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hosts {
		p.hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
}

// AddIPs adds single IP literals to a program.
func (w *Watchlist) AddIPs(programLabel string, ips ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.programFor(programLabel)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ip := range ips {
		if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
			p.ips[parsed.String()] = struct{}{}
		}
	}
}

// AddCIDRs adds CIDR ranges to a program. Malformed CIDRs are skipped.
func (w *Watchlist) AddCIDRs(programLabel string, cidrs ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.programFor(programLabel)
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := p.cidrs.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Match tries the anonymous program first, then labeled programs in
// definition order, and returns the first subject in subjects that
// matches any container of that program. First hit wins overall.
func (w *Watchlist) Match(subjects []string) (Match, bool) {
	w.mu.RLock()
	programs := make([]*program, 0, len(w.labeled)+1)
	programs = append(programs, w.anonymous)
	programs = append(programs, w.labeled...)
	w.mu.RUnlock()

	for _, p := range programs {
		for _, s := range subjects {
			if ident, ok := p.matchSubject(s); ok {
				return Match{Identifier: ident, ProgramLabel: p.label}, true
			}
		}
	}
	return Match{}, false
}

func (p *program) matchSubject(subject string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lower := strings.ToLower(subject)

	if _, ok := p.hosts[lower]; ok {
		return lower, true
	}

	if ip := net.ParseIP(lower); ip != nil {
		if _, ok := p.ips[ip.String()]; ok {
			return ip.String(), true
		}
		if ok, err := p.cidrs.Contains(ip); err == nil && ok {
			return ip.String(), true
		}
		return "", false
	}

	key := reverseLabelKey(lower)
	prefixKey, value, ok := p.suffix.LongestPrefix(key)
	if !ok {
		return "", false
	}
	if len(prefixKey) == len(key) {
		// subject == root exactly; only patterns that include the bare
		// root (anything but a "*." wildcard) match here.
		if value.(bool) {
			return lower, true
		}
		return "", false
	}
	// subject is a strict subdomain of root: always matches, wildcard or not.
	return lower, true
}

// rootOf strips a leading "*." or "." from a suffix pattern, per spec.md
// §4.6 step 2, and reports whether the pattern should match the bare root
// itself. Property P6 adopts the stricter reading: "*.x.com" does NOT
// match bare "x.com" (only subdomains), while ".x.com" and a bare
// "x.com" pattern DO match "x.com" itself and its subdomains.
func rootOf(pattern string) (root string, includeExact bool) {
	p := strings.TrimSpace(pattern)
	if strings.HasPrefix(p, "*.") {
		return strings.ToLower(strings.TrimPrefix(p, "*.")), false
	}
	return strings.ToLower(strings.TrimPrefix(p, ".")), true
}

// reverseLabelKey turns "sub.example.com" into "com.example.sub." — a
// dot-terminated, label-reversed key. Because every stored key is also
// dot-terminated, radix's LongestPrefix can only match on a full label
// boundary: "com.example." is a prefix of "com.example.sub." (subdomain
// match) but never a prefix of "com.examplexyz." (different domain).
func reverseLabelKey(domain string) string {
	labels := strings.Split(strings.Trim(domain, "."), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".") + "."
}
