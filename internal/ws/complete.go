package ws

import "sync"

// Completion tracks which symbols have delivered a confirmed sample for
// the current minute on one venue. When every symbol has reported, the
// callback fires once and the set resets for the next minute.
type Completion struct {
	mu       sync.Mutex
	universe map[string]struct{}
	seen     map[string]struct{}
	minute   int64
	fired    bool
	onDone   func(minuteTS int64)
}

// NewCompletion builds a tracker over the canonical symbol universe.
func NewCompletion(symbols []string, onDone func(minuteTS int64)) *Completion {
	universe := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		universe[s] = struct{}{}
	}
	return &Completion{
		universe: universe,
		seen:     make(map[string]struct{}),
		onDone:   onDone,
	}
}

// Mark records a confirmed sample for symbol at the given minute.
// Symbols outside the universe are ignored.
func (c *Completion) Mark(symbol string, minuteTS int64) {
	c.mu.Lock()

	if _, ok := c.universe[symbol]; !ok {
		c.mu.Unlock()
		return
	}
	if minuteTS > c.minute {
		c.minute = minuteTS
		c.seen = make(map[string]struct{})
		c.fired = false
	} else if minuteTS < c.minute {
		// Late sample for an already-advanced minute; nothing to track.
		c.mu.Unlock()
		return
	}

	c.seen[symbol] = struct{}{}
	done := !c.fired && len(c.seen) == len(c.universe)
	if done {
		c.fired = true
	}
	minute := c.minute
	c.mu.Unlock()

	if done && c.onDone != nil {
		c.onDone(minute)
	}
}

// Reset drops the in-flight minute's progress. Called when the stream
// reconnects: the set may have missed confirms during the gap, and the
// replay after re-subscribe re-marks what actually arrived. The fired
// flag stays so a completed minute never heartbeats twice.
func (c *Completion) Reset() {
	c.mu.Lock()
	c.seen = make(map[string]struct{})
	c.mu.Unlock()
}
