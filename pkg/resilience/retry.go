package resilience

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy is a bounded exponential backoff: Attempts total tries,
// delays growing geometrically by Factor from Base, capped at Cap.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Factor   float64
	Cap      time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Factor < 1 {
		p.Factor = 1.5
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	return p
}

// Backoff returns the delay sequence for the policy. The sequence is
// finite: it stops after Attempts-1 delays, making the loop bound
// explicit rather than relying on the caller to count.
func (p RetryPolicy) Backoff() retry.Backoff {
	p = p.withDefaults()
	delay := p.Base
	remaining := p.Attempts - 1
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if remaining <= 0 {
			return 0, true
		}
		remaining--
		d := delay
		next := time.Duration(float64(delay) * p.Factor)
		if next > p.Cap {
			next = p.Cap
		}
		delay = next
		if d > p.Cap {
			d = p.Cap
		}
		return d, false
	})
}

// Retry runs op up to Attempts times. Only errors wrapped with
// Retryable are retried; anything else aborts immediately.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	return retry.Do(ctx, p.Backoff(), op)
}

// Retryable marks err as transient for Retry.
func Retryable(err error) error {
	return retry.RetryableError(err)
}
