// Package fetch is the rate-limited REST client every historical
// backfill and polling feed goes through. It owns the direct and proxy
// connection pools, jittered paging delays, retry/backoff on throttle
// and transient failures, and per-venue request stats.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/perpstack/perpflow/internal/telemetry"
)

// concurrency ceilings per connection kind.
const (
	directConcurrency = 8
	proxyConcurrency  = 6
)

// Fetcher issues policy-governed requests. Construct one per process
// and share it across feeds.
type Fetcher struct {
	clients map[ConnKind]*http.Client
	sems    map[ConnKind]chan struct{}

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	stats    map[string]*Stats

	metrics *telemetry.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New builds a fetcher. proxyURL may be empty, in which case the proxy
// pool falls back to direct connections and the split is cosmetic.
func New(proxyURL string, metrics *telemetry.Metrics) (*Fetcher, error) {
	direct := &http.Client{Transport: &http.Transport{
		MaxIdleConnsPerHost: directConcurrency,
	}}

	proxyClient := direct
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxyClient = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyURL(u),
			MaxIdleConnsPerHost: proxyConcurrency,
		}}
	}

	return &Fetcher{
		clients: map[ConnKind]*http.Client{
			Direct: direct,
			Proxy:  proxyClient,
		},
		sems: map[ConnKind]chan struct{}{
			Direct: make(chan struct{}, directConcurrency),
			Proxy:  make(chan struct{}, proxyConcurrency),
		},
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stats:    make(map[string]*Stats),
		metrics:  metrics,
		sleep:    sleepCtx,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatsFor returns the venue's counter set, creating it on first use.
func (f *Fetcher) StatsFor(venue string) *Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[venue]
	if !ok {
		s = NewStats()
		f.stats[venue] = s
	}
	return s
}

func (f *Fetcher) limiterFor(p Policy) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[p.Venue]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.RPS), p.Burst)
		f.limiters[p.Venue] = l
	}
	return l
}

func (f *Fetcher) breakerFor(p Policy) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[p.Key()]
	if !ok {
		st := gobreaker.Settings{Name: p.Key()}
		st.Interval = 60 * time.Second
		st.Timeout = 60 * time.Second
		st.ReadyToTrip = func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		}
		b = gobreaker.NewCircuitBreaker(st)
		f.breakers[p.Key()] = b
	}
	return b
}

func (f *Fetcher) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return time.Duration(f.rng.Int63n(int64(max)))
}

func (f *Fetcher) uniform(lo, hi time.Duration) time.Duration {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return lo + time.Duration(f.rng.Int63n(int64(hi-lo)))
}

// Get performs one policy-governed request and returns the body. It
// retries throttle responses with exponential backoff up to the
// policy's cap and transient failures within the policy's wall-clock
// budget; terminal outcomes return immediately. Header may be nil.
func (f *Fetcher) Get(ctx context.Context, p Policy, kind ConnKind, path string, query url.Values, header http.Header) ([]byte, error) {
	p = p.withDefaults()
	stats := f.StatsFor(p.Venue)
	budget := time.Now().Add(p.SymbolBudget)
	throttles := 0

	// Jittered pre-request sleep keeps paged loops from synchronizing.
	if err := f.sleep(ctx, f.jitter(p.PageDelay(kind))); err != nil {
		return nil, err
	}

	for {
		if err := f.limiterFor(p).Wait(ctx); err != nil {
			return nil, err
		}

		body, err := f.roundTrip(ctx, p, kind, path, query, header)
		stats.addRequest(kind)
		if f.metrics != nil {
			f.metrics.RequestsTotal.WithLabelValues(p.Venue, string(kind)).Inc()
		}
		if err == nil {
			return body, nil
		}

		switch ClassifyErr(err) {
		case OutcomeThrottled:
			throttles++
			stats.addThrottle(kind)
			if f.metrics != nil {
				f.metrics.ThrottledTotal.WithLabelValues(p.Venue, string(kind)).Inc()
			}
			if throttles > p.Max429Retries {
				return nil, fmt.Errorf("throttle retries exhausted for %s: %w", p.Key(), err)
			}
			backoff := p.BaseBackoff * time.Duration(1<<(throttles-1))
			log.Warn().Str("policy", p.Key()).Int("attempt", throttles).
				Dur("backoff", backoff).Msg("rate limited, backing off")
			if serr := f.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
		case OutcomeTransient:
			stats.addTransient(kind)
			if f.metrics != nil {
				f.metrics.TransientTotal.WithLabelValues(p.Venue, string(kind)).Inc()
			}
			if time.Now().After(budget) {
				return nil, fmt.Errorf("transient retry budget exhausted for %s: %w", p.Key(), err)
			}
			if serr := f.sleep(ctx, f.uniform(800*time.Millisecond, 1200*time.Millisecond)); serr != nil {
				return nil, serr
			}
		default:
			return nil, err
		}
	}
}

func (f *Fetcher) roundTrip(ctx context.Context, p Policy, kind ConnKind, path string, query url.Values, header http.Header) ([]byte, error) {
	sem := f.sems[kind]
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reqURL := p.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	out, err := f.breakerFor(p).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := f.clients[kind].Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if outcome := classifyStatus(resp.StatusCode); outcome != OutcomeOK {
			// Drain so the connection can be reused.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, &HTTPError{Status: resp.StatusCode, Outcome: outcome, URL: reqURL}
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}
