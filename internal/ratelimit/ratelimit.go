// Package ratelimit implements sliding-window request limiting keyed by
// source address. Two independent limiters front the gateway: a global one
// for all API traffic and a stricter one for the authentication endpoints
// which also blocks a source for a full window once its budget is spent.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds the limiter parameters.
type Config struct {
	// MaxRequests admitted per source within Window.
	MaxRequests int
	// Window is the sliding window length.
	Window time.Duration
	// BlockOnExhaust blocks the source for BlockDuration once the budget is
	// spent, instead of admitting again as old attempts age out.
	BlockOnExhaust bool
	// BlockDuration is how long an exhausted source stays blocked. Zero
	// defaults to Window.
	BlockDuration time.Duration
}

type sourceState struct {
	attempts     []time.Time
	blockedUntil time.Time
}

// Limiter tracks request timestamps per source in a sliding window.
type Limiter struct {
	mu     sync.Mutex
	config Config
	state  map[string]*sourceState
	nowFn  func() time.Time // injectable clock for testing
}

func New(config Config) *Limiter {
	if config.BlockDuration == 0 {
		config.BlockDuration = config.Window
	}
	return &Limiter{
		config: config,
		state:  make(map[string]*sourceState),
		nowFn:  time.Now,
	}
}

// Allow records a request from source and reports whether it is admitted.
// When rejected, retryAfter is a positive hint for the client.
func (l *Limiter) Allow(source string) (retryAfter time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	s, found := l.state[source]
	if !found {
		s = &sourceState{}
		l.state[source] = s
	}

	if now.Before(s.blockedUntil) {
		return s.blockedUntil.Sub(now), false
	}

	// Prune attempts that have aged out of the window.
	cutoff := now.Add(-l.config.Window)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= l.config.MaxRequests {
		if l.config.BlockOnExhaust {
			s.blockedUntil = now.Add(l.config.BlockDuration)
			return l.config.BlockDuration, false
		}
		// Admitted again once the oldest attempt leaves the window.
		return s.attempts[0].Add(l.config.Window).Sub(now), false
	}

	s.attempts = append(s.attempts, now)
	return 0, true
}

// Reset clears all state for a source. Used on successful authentication so a
// legitimate user is not penalized for earlier typos.
func (l *Limiter) Reset(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, source)
}

// Cleanup drops sources with no recent attempts and no active block.
// Called periodically to bound memory.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	cutoff := now.Add(-l.config.Window)
	removed := 0
	for source, s := range l.state {
		if now.Before(s.blockedUntil) {
			continue
		}
		stale := true
		for _, t := range s.attempts {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.state, source)
			removed++
		}
	}
	return removed
}
