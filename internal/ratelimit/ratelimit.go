// Package ratelimit is a process-local sliding-window log limiter keyed by
// (identity, action).
package ratelimit

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
)

// Policy is a max-requests-per-window rule for one action.
type Policy struct {
	Max    int
	Window time.Duration
}

type key struct {
	identity string
	action   string
}

// Limiter keeps an ordered timestamp log per key. State is lost on restart.
// Keys whose log has emptied are dropped, either when touched or by the
// periodic sweep in Allow.
type Limiter struct {
	mu        sync.Mutex
	clock     clock.Clock
	logs      map[key][]time.Time
	maxWindow time.Duration
	lastSweep time.Time
}

func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real()
	}
	return &Limiter{clock: c, logs: make(map[key][]time.Time)}
}

// Allow drops timestamps older than now-window, then records now and returns
// true if fewer than max remain.
func (l *Limiter) Allow(identity, action string, max int, window time.Duration) bool {
	now := l.clock.Now()
	k := key{identity, action}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now, window)
	log := l.live(k, now.Add(-window))
	if len(log) >= max {
		return false
	}
	l.logs[k] = append(log, now)
	return true
}

// AllowPolicy is Allow with the limits taken from p.
func (l *Limiter) AllowPolicy(identity, action string, p Policy) bool {
	return l.Allow(identity, action, p.Max, p.Window)
}

// Remaining is how many more calls Allow would admit right now.
func (l *Limiter) Remaining(identity, action string, max int, window time.Duration) int {
	now := l.clock.Now()
	l.mu.Lock()
	n := len(l.live(key{identity, action}, now.Add(-window)))
	l.mu.Unlock()
	if n >= max {
		return 0
	}
	return max - n
}

// TimeUntilReset is how long until the oldest recorded call leaves the
// window. Zero when the key has no live entries.
func (l *Limiter) TimeUntilReset(identity, action string, window time.Duration) time.Duration {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.live(key{identity, action}, now.Add(-window))
	if len(log) == 0 {
		return 0
	}
	return log[0].Add(window).Sub(now)
}

// Len is the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs)
}

// Reset clears one action for identity, or every action when action is empty.
func (l *Limiter) Reset(identity, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if action != "" {
		delete(l.logs, key{identity, action})
		return
	}
	for k := range l.logs {
		if k.identity == identity {
			delete(l.logs, k)
		}
	}
}

func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// live prunes k's log and stores the result, deleting the key when nothing
// is left. Caller holds l.mu.
func (l *Limiter) live(k key, cutoff time.Time) []time.Time {
	log, ok := l.logs[k]
	if !ok {
		return nil
	}
	log = prune(log, cutoff)
	if len(log) == 0 {
		delete(l.logs, k)
		return nil
	}
	l.logs[k] = log
	return log
}

// sweep drops every key with nothing newer than the longest window seen so
// far. It runs at most once per that window. Caller holds l.mu.
func (l *Limiter) sweep(now time.Time, window time.Duration) {
	if window > l.maxWindow {
		l.maxWindow = window
	}
	if now.Sub(l.lastSweep) < l.maxWindow {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-l.maxWindow)
	for k, log := range l.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(l.logs, k)
		}
	}
}
