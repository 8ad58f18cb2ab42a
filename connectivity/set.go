package connectivity

import (
	"sort"
	"sync"
)

// BreakerSet lazily holds one CircuitBreaker per target, all built from
// the same options.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	opts     []BreakerOption
	onChange func(target string, from, to BreakerState)
}

// NewBreakerSet creates an empty set. opts apply to every breaker created.
func NewBreakerSet(opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// OnChange registers a callback told about every transition of every
// breaker in the set. Call before the first Get.
func (s *BreakerSet) OnChange(fn func(target string, from, to BreakerState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Get returns the breaker for target, creating it on first use.
func (s *BreakerSet) Get(target string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[target]; ok {
		return cb
	}
	opts := s.opts
	if hook := s.onChange; hook != nil {
		opts = append(append([]BreakerOption(nil), s.opts...),
			WithBreakerOnChange(func(from, to BreakerState) { hook(target, from, to) }))
	}
	cb := NewCircuitBreaker(opts...)
	s.breakers[target] = cb
	return cb
}

// Allow returns the breaker for target, or ErrCircuitOpen when it refuses
// the call. The caller records the result on the returned breaker.
func (s *BreakerSet) Allow(target string) (*CircuitBreaker, error) {
	cb := s.Get(target)
	if !cb.Allow() {
		return nil, &ErrCircuitOpen{Target: target}
	}
	return cb, nil
}

// TargetState pairs a target with its breaker state.
type TargetState struct {
	Target   string `json:"target"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Snapshot returns the state of every known breaker sorted by target.
func (s *BreakerSet) Snapshot() []TargetState {
	s.mu.Lock()
	targets := make([]string, 0, len(s.breakers))
	for t := range s.breakers {
		targets = append(targets, t)
	}
	s.mu.Unlock()
	sort.Strings(targets)

	out := make([]TargetState, 0, len(targets))
	for _, t := range targets {
		cb := s.Get(t)
		out = append(out, TargetState{Target: t, State: cb.State().String(), Failures: cb.Failures()})
	}
	return out
}
