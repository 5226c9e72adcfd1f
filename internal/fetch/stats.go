package fetch

import (
	"sort"
	"sync"
)

// Stats tracks per-venue request counters. Counters are monotonic;
// readers take point-in-time snapshots for heartbeat logging.
type Stats struct {
	mu            sync.Mutex
	requests      map[ConnKind]int64
	throttled     map[ConnKind]int64
	transient     map[ConnKind]int64
	failedSymbols map[string]struct{}
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{
		requests:      make(map[ConnKind]int64),
		throttled:     make(map[ConnKind]int64),
		transient:     make(map[ConnKind]int64),
		failedSymbols: make(map[string]struct{}),
	}
}

func (s *Stats) addRequest(kind ConnKind) {
	s.mu.Lock()
	s.requests[kind]++
	s.mu.Unlock()
}

func (s *Stats) addThrottle(kind ConnKind) {
	s.mu.Lock()
	s.throttled[kind]++
	s.mu.Unlock()
}

func (s *Stats) addTransient(kind ConnKind) {
	s.mu.Lock()
	s.transient[kind]++
	s.throttled[kind]++
	s.mu.Unlock()
}

// MarkFailed records a symbol whose fetch was abandoned.
func (s *Stats) MarkFailed(symbol string) {
	s.mu.Lock()
	s.failedSymbols[symbol] = struct{}{}
	s.mu.Unlock()
}

// Snapshot is a consistent copy of the counters.
type Snapshot struct {
	Requests      map[ConnKind]int64
	Throttled     map[ConnKind]int64
	Transient     map[ConnKind]int64
	FailedSymbols []string
}

// Snapshot returns a copy taken under the lock.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Requests:  make(map[ConnKind]int64, len(s.requests)),
		Throttled: make(map[ConnKind]int64, len(s.throttled)),
		Transient: make(map[ConnKind]int64, len(s.transient)),
	}
	for k, v := range s.requests {
		snap.Requests[k] = v
	}
	for k, v := range s.throttled {
		snap.Throttled[k] = v
	}
	for k, v := range s.transient {
		snap.Transient[k] = v
	}
	for sym := range s.failedSymbols {
		snap.FailedSymbols = append(snap.FailedSymbols, sym)
	}
	sort.Strings(snap.FailedSymbols)
	return snap
}
