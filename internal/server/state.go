package server

import "sync/atomic"

// Lifecycle states reported by /healthz.
const (
	StateNotReady = "not_ready"
	StateReady    = "ready"
	StateDraining = "draining"
)

// State tracks the coordinator lifecycle. The zero value is not_ready.
type State struct {
	v        atomic.Value
	draining atomic.Bool
}

// Set records s unless the coordinator is already draining.
func (s *State) Set(v string) {
	if s.draining.Load() {
		return
	}
	s.v.Store(v)
}

// Get returns the current state string.
func (s *State) Get() string {
	if v, ok := s.v.Load().(string); ok {
		return v
	}
	return StateNotReady
}

// StartDrain marks the coordinator as draining. It returns false if a drain
// was already in progress.
func (s *State) StartDrain() bool {
	if !s.draining.CompareAndSwap(false, true) {
		return false
	}
	s.v.Store(StateDraining)
	return true
}

// IsDraining reports whether StartDrain was called.
func (s *State) IsDraining() bool { return s.draining.Load() }
