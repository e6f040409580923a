// Package resilience wraps every call that crosses a process boundary:
// circuit breaking for the durable store, the cache, and the recognition
// collaborator, and bounded exponential-backoff retries. One Breaker
// exists per logical dependency; breaker state transitions are surfaced
// through a typed callback.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/voicewire/voicewire/pkg/fault"
)

type BreakerState = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

type BreakerConfig struct {
	// Name identifies the guarded dependency in logs and metrics.
	Name string
	// RequestTimeout bounds a single guarded call; a hang becomes a
	// fast failure instead of blocking the caller.
	RequestTimeout time.Duration
	// Interval is the rolling window over which the error rate is
	// measured while the breaker is closed.
	Interval time.Duration
	// Cooldown is how long the breaker stays open before half-opening.
	Cooldown time.Duration
	// FailureRatio trips the breaker once crossed within a window,
	// provided at least MinRequests calls were observed.
	FailureRatio float64
	MinRequests  uint32
	// HalfOpenProbes is the number of trial calls allowed half-open.
	HalfOpenProbes uint32
	// IsSuccessful lets domain sentinels (not-found, cache miss) count
	// as healthy calls instead of failures. Nil means err == nil.
	IsSuccessful func(err error) bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 4 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// StateChange is invoked on every breaker transition.
type StateChange func(name string, from, to BreakerState)

// Breaker guards calls to one external dependency.
type Breaker struct {
	cfg BreakerConfig
	cb  *gobreaker.CircuitBreaker[struct{}]
}

func NewBreaker(cfg BreakerConfig, logger *slog.Logger, onChange StateChange) *Breaker {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Interval,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change",
					"dependency", name, "from", from.String(), "to", to.String())
			}
			if onChange != nil {
				onChange(name, from, to)
			}
		},
		IsSuccessful: cfg.IsSuccessful,
	}
	return &Breaker{cfg: cfg, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// Do runs op under the breaker and the per-call request timeout. An
// open breaker fails fast with a system error; it never invokes op.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if b == nil {
		return op(ctx)
	}
	_, err := b.cb.Execute(func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
		return struct{}{}, op(callCtx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.System("dependency_unavailable", b.cfg.Name+" is unavailable", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.System("dependency_timeout", b.cfg.Name+" call timed out", err)
	}
	return err
}

func (b *Breaker) State() BreakerState {
	if b == nil {
		return StateClosed
	}
	return b.cb.State()
}

func (b *Breaker) Name() string {
	if b == nil {
		return ""
	}
	return b.cfg.Name
}
