// Package lifecycle tracks the gateway's drain state so readiness
// probes can steer new connections away during shutdown.
package lifecycle

import "sync/atomic"

type State struct {
	draining atomic.Bool
}

func New() *State { return &State{} }

// SetDraining flips the gateway into drain mode. Existing connections
// keep running; readiness reports not-ready so load balancers stop
// sending new ones.
func (s *State) SetDraining() { s.draining.Store(true) }

func (s *State) Draining() bool { return s.draining.Load() }
