package service

import (
	"fmt"
	"sync"
	"time"
)

// Decision is the gatekeeper's answer for one reconnection request.
type Decision struct {
	Allowed    bool
	Used       int
	Limit      int
	RetryAfter time.Duration
}

// Gatekeeper enforces a per-session sliding-window cap on reconnection
// attempts so a flapping peer cannot trigger an endless QR/ban loop.
type Gatekeeper struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	attempts map[string][]time.Time

	now func() time.Time
}

func NewGatekeeper(limit int, window time.Duration) *Gatekeeper {
	return &Gatekeeper{
		limit:    limit,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// CanReconnect reports whether another attempt is allowed right now. It does
// not consume an attempt; Reconnect does.
func (g *Gatekeeper) CanReconnect(key string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	live := g.prune(key)
	d := Decision{
		Allowed: len(live) < g.limit,
		Used:    len(live),
		Limit:   g.limit,
	}
	if !d.Allowed {
		// The window reopens when the oldest attempt ages out.
		d.RetryAfter = live[0].Add(g.window).Sub(g.now())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

// Reconnect records an attempt. Returns an error when the window is already
// exhausted; the attempt is only counted when allowed.
func (g *Gatekeeper) Reconnect(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	live := g.prune(key)
	if len(live) >= g.limit {
		retryAfter := live[0].Add(g.window).Sub(g.now())
		return fmt.Errorf("reconnect limit reached (%d in %s), retry in %s",
			g.limit, g.window, retryAfter.Round(time.Second))
	}

	g.attempts[key] = append(live, g.now())
	return nil
}

// Reset clears recorded attempts, used when a session is removed.
func (g *Gatekeeper) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, key)
}

// prune drops attempts older than the window. Caller holds the lock.
func (g *Gatekeeper) prune(key string) []time.Time {
	cutoff := g.now().Add(-g.window)
	old := g.attempts[key]
	live := old[:0]
	for _, t := range old {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		delete(g.attempts, key)
		return nil
	}
	g.attempts[key] = live
	return live
}
