package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config bounds connection opens and failed invite validations per source
// address. Two mechanisms: a sliding one-minute window on attempts, and a
// temporary block after too many consecutive invite failures.
type Config struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

type addrState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// Limiter tracks per-address attempt state. A zero MaxAttemptsPerMinute
// disables the limiter entirely.
type Limiter struct {
	mu     sync.Mutex
	config Config
	state  map[string]*addrState
	nowFn  func() time.Time // injectable clock for testing
}

func New(config Config) *Limiter {
	return &Limiter{
		config: config,
		state:  make(map[string]*addrState),
		nowFn:  time.Now,
	}
}

// Allow checks whether an attempt from the given address is permitted and
// records it. Returns nil if allowed.
func (rl *Limiter) Allow(addr string) error {
	if rl.config.MaxAttemptsPerMinute <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(addr)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("address blocked after %d consecutive failures; retry after %s",
			s.consecFailures, remaining)
	}

	// Prune attempts older than the window
	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		return fmt.Errorf("rate limit exceeded: %d attempts in the last minute (max %d)",
			len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordFailure counts a failed invite validation. Reaching the threshold
// blocks the address for BlockDuration.
func (rl *Limiter) RecordFailure(addr string) {
	if rl.config.MaxConsecFailures <= 0 {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(addr)
	s.consecFailures++

	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
	}
}

// RecordSuccess resets the consecutive failure counter for the address.
func (rl *Limiter) RecordSuccess(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(addr)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// getOrCreateState returns the state for an address, creating it if needed.
// Must be called with rl.mu held.
func (rl *Limiter) getOrCreateState(addr string) *addrState {
	s, ok := rl.state[addr]
	if !ok {
		s = &addrState{}
		rl.state[addr] = s
	}
	return s
}
