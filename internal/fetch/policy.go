package fetch

import "time"

// ConnKind selects which connection pool a request goes through. The
// caller decides the direct/proxy split across its symbols.
type ConnKind string

const (
	Direct ConnKind = "direct"
	Proxy  ConnKind = "proxy"
)

// Policy is the rate-limit contract for one venue endpoint. Fetchers
// are parameterized by the policy value, never by ambient constants.
type Policy struct {
	Venue    string
	Endpoint string
	BaseURL  string

	// PageLimit is the maximum rows one page may return; a shorter page
	// terminates paging.
	PageLimit int

	// PageDelay is the upper bound of the jittered sleep taken before
	// every paged request, per connection kind.
	PageDelayDirect time.Duration
	PageDelayProxy  time.Duration

	Timeout       time.Duration
	Max429Retries int
	BaseBackoff   time.Duration

	// SymbolBudget bounds the wall clock spent retrying transient
	// failures for one symbol.
	SymbolBudget time.Duration

	// RPS feeds the per-venue token bucket.
	RPS   float64
	Burst int
}

// Key identifies the policy for stats and circuit-breaker naming.
func (p Policy) Key() string {
	return p.Venue + "." + p.Endpoint
}

// PageDelay returns the jitter bound for the given connection kind.
func (p Policy) PageDelay(kind ConnKind) time.Duration {
	if kind == Proxy {
		return p.PageDelayProxy
	}
	return p.PageDelayDirect
}

// withDefaults fills the zero fields callers commonly leave unset.
func (p Policy) withDefaults() Policy {
	if p.PageLimit <= 0 {
		p.PageLimit = 100
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.Max429Retries <= 0 {
		p.Max429Retries = 5
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	if p.SymbolBudget <= 0 {
		p.SymbolBudget = 2 * time.Minute
	}
	if p.RPS <= 0 {
		p.RPS = 5
	}
	if p.Burst <= 0 {
		p.Burst = 10
	}
	return p
}
