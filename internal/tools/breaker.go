package tools

import (
	"sync"
	"time"
)

const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half_open"
)

type breaker struct {
	state    string
	failures int
	openedAt time.Time
	trial    bool
}

// breakerSet tracks one breaker per tool. All state lives in memory with
// explicit timestamps, guarded by a single mutex.
type breakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*breaker
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  map[string]*breaker{},
	}
}

func (s *breakerSet) get(tool string) *breaker {
	b, ok := s.breakers[tool]
	if !ok {
		b = &breaker{state: stateClosed}
		s.breakers[tool] = b
	}
	return b
}

// allow reports whether a call may proceed. An open breaker moves to
// half-open once the cooldown lapses and admits exactly one trial call.
func (s *breakerSet) allow(tool string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(tool)
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(b.openedAt) < s.cooldown {
			return false
		}
		b.state = stateHalfOpen
		b.trial = true
		return true
	case stateHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

// recordSuccess closes the breaker and clears the failure streak.
func (s *breakerSet) recordSuccess(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(tool)
	b.state = stateClosed
	b.failures = 0
	b.trial = false
}

// recordFailure bumps the streak; at the threshold, or on a failed half-open
// trial, the breaker opens.
func (s *breakerSet) recordFailure(tool string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(tool)
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = now
		b.trial = false
		return
	}
	b.failures++
	if b.failures >= s.threshold {
		b.state = stateOpen
		b.openedAt = now
		b.failures = 0
	}
}

// State returns the breaker state for a tool, for health reporting.
func (s *breakerSet) State(tool string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[tool]; ok {
		return b.state
	}
	return stateClosed
}

// States lists every tracked tool breaker.
func (s *breakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[string]string, len(s.breakers))
	for tool, b := range s.breakers {
		res[tool] = b.state
	}
	return res
}
