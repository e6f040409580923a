// Package conns is the in-memory connection pool: conn id to live
// connection, with at most one connection per session. It owns the
// shutdown sweep over every registered connection.
package conns

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/pipeline"
)

// Handle is what the registry needs from a live connection.
type Handle struct {
	SessionID string
	// Terminate force-closes the connection; must be idempotent.
	Terminate func(code int, reason string)
	// Warn sends a best-effort ERROR frame without closing.
	Warn func(code, message string) error
	// Health snapshots the bound pipeline.
	Health func() pipeline.Health
}

type Registry struct {
	mu        sync.Mutex
	conns     map[string]*entry
	bySession map[string]string
	wg        sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]*entry),
		bySession: make(map[string]string),
	}
}

// Register adds a connection and returns its unregister func. A new
// connection for an already-connected session supersedes the old one:
// the old socket is terminated and dropped from the pool.
func (r *Registry) Register(connID string, h Handle) (unregister func()) {
	e := &entry{handle: h}

	r.mu.Lock()
	var superseded *entry
	var supersededID string
	if oldID, ok := r.bySession[h.SessionID]; ok && oldID != connID {
		superseded = r.conns[oldID]
		supersededID = oldID
	}
	r.conns[connID] = e
	r.bySession[h.SessionID] = connID
	r.wg.Add(1)
	r.mu.Unlock()

	if superseded != nil {
		if superseded.handle.Terminate != nil {
			superseded.handle.Terminate(1000, "superseded by a new connection")
		}
		r.unregister(supersededID, superseded)
	}

	return func() { r.unregister(connID, e) }
}

func (r *Registry) unregister(connID string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.conns[connID] == e {
			delete(r.conns, connID)
			if r.bySession[e.handle.SessionID] == connID {
				delete(r.bySession, e.handle.SessionID)
			}
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Lookup reports the live connection id for a session.
func (r *Registry) Lookup(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionID]
	return id, ok
}

// TerminateSession force-closes the live connection bound to a
// session, if one exists.
func (r *Registry) TerminateSession(sessionID string, code int, reason string) bool {
	r.mu.Lock()
	var terminate func(code int, reason string)
	if id, ok := r.bySession[sessionID]; ok {
		if e, ok := r.conns[id]; ok && e.handle.Terminate != nil {
			terminate = e.handle.Terminate
		}
	}
	r.mu.Unlock()

	if terminate == nil {
		return false
	}
	terminate(code, reason)
	return true
}

// WarnAll broadcasts a non-fatal error frame to every connection.
func (r *Registry) WarnAll(code, message string) (sent int) {
	var warns []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.conns {
		if e.handle.Warn != nil {
			warns = append(warns, e.handle.Warn)
		}
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// TerminateAll force-closes every connection, for process shutdown.
func (r *Registry) TerminateAll(code int, reason string) (terminated int) {
	var terms []func(code int, reason string)
	r.mu.Lock()
	for _, e := range r.conns {
		if e.handle.Terminate != nil {
			terms = append(terms, e.handle.Terminate)
		}
	}
	r.mu.Unlock()

	for _, terminate := range terms {
		terminate(code, reason)
		terminated++
	}
	return terminated
}

// Wait blocks until every registered connection has unregistered, or
// ctx expires.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// AggregateHealth sums pipeline snapshots across the pool for the
// status endpoint.
type AggregateHealth struct {
	Connections int     `json:"connections"`
	QueueDepth  int     `json:"queueDepth"`
	Processed   uint64  `json:"processed"`
	Errors      uint64  `json:"errors"`
	ErrorRate   float64 `json:"errorRate"`
	Paused      int     `json:"paused"`
}

func (r *Registry) Health() AggregateHealth {
	var healths []func() pipeline.Health
	r.mu.Lock()
	for _, e := range r.conns {
		if e.handle.Health != nil {
			healths = append(healths, e.handle.Health)
		}
	}
	r.mu.Unlock()

	agg := AggregateHealth{Connections: len(healths)}
	var rateSum float64
	for _, health := range healths {
		h := health()
		agg.QueueDepth += h.QueueDepth
		agg.Processed += h.Processed
		agg.Errors += h.Errors
		rateSum += h.ErrorRate
		if h.Paused {
			agg.Paused++
		}
	}
	if len(healths) > 0 {
		agg.ErrorRate = rateSum / float64(len(healths))
	}
	return agg
}
