package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/fault"
)

func TestBreaker_OpensAndFailsFast(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "store",
		MinRequests:  4,
		FailureRatio: 0.5,
		Cooldown:     time.Minute,
	}, nil, nil)

	boom := errors.New("store down")
	for i := 0; i < 4; i++ {
		if err := b.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: got %v, want %v", i, err, boom)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	start := time.Now()
	err := b.Do(context.Background(), func(context.Context) error {
		t.Fatal("op must not run while open")
		return nil
	})
	if fault.CategoryOf(err) != fault.CategorySystem {
		t.Fatalf("open breaker error category = %v, want system", fault.CategoryOf(err))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("open breaker took %v, want fast failure", elapsed)
	}
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "recognizer",
		MinRequests:  2,
		FailureRatio: 0.5,
		Cooldown:     20 * time.Millisecond,
	}, nil, nil)

	boom := errors.New("down")
	for i := 0; i < 2; i++ {
		_ = b.Do(context.Background(), func(context.Context) error { return boom })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(30 * time.Millisecond)
	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", b.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []BreakerState
	b := NewBreaker(BreakerConfig{
		Name:         "cache",
		MinRequests:  1,
		FailureRatio: 0.5,
		Cooldown:     time.Minute,
	}, nil, func(name string, from, to BreakerState) {
		if name != "cache" {
			t.Errorf("callback name = %q, want cache", name)
		}
		transitions = append(transitions, to)
	})

	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("transitions = %v, want [open]", transitions)
	}
}

func TestRetry_BoundedAttempts(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Base: time.Millisecond, Factor: 1.5, Cap: time.Second}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return Retryable(errors.New("transient"))
	})
	if err == nil {
		t.Fatal("want error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableAborts(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Base: time.Millisecond}

	calls := 0
	fatal := errors.New("validation")
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_BackoffSequence(t *testing.T) {
	p := RetryPolicy{Attempts: 4, Base: 100 * time.Millisecond, Factor: 1.5, Cap: 30 * time.Second}
	b := p.Backoff()

	want := []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 225 * time.Millisecond}
	for i, w := range want {
		d, stop := b.Next()
		if stop {
			t.Fatalf("backoff stopped at step %d", i)
		}
		if d != w {
			t.Fatalf("delay[%d] = %v, want %v", i, d, w)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatal("backoff should stop after attempts-1 delays")
	}
}
