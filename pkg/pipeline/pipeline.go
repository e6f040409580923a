// Package pipeline serializes one connection's audio stream into an
// external recognizer. A single worker drains a bounded queue, so at
// most one chunk per connection is ever in flight and processing order
// matches validated arrival order.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/resilience"
)

// Chunk is one validated audio frame on its way to recognition.
type Chunk struct {
	Data      []byte
	Timestamp time.Time
	Format    string
	Sequence  int64
}

// Transcript is the recognizer's answer for a chunk.
type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// Recognizer is the external speech-to-text collaborator.
type Recognizer interface {
	Recognize(ctx context.Context, chunk Chunk) (Transcript, error)
}

const (
	defaultQueueSize    = 64
	defaultLookbackSize = 1024
	rollingWindow       = 100
)

type Config struct {
	Recognizer Recognizer

	// Breaker and Retry wrap every recognizer call.
	Breaker *resilience.Breaker
	Retry   resilience.RetryPolicy

	// QueueSize bounds chunks waiting for the worker.
	QueueSize int
	// LookbackSize bounds the ring of recently accepted chunks.
	LookbackSize int

	// OnTranscript receives each successful recognition result.
	OnTranscript func(Transcript, Chunk)
	// OnError receives the structured failure after retries are
	// exhausted. The pipeline keeps running.
	OnError func(*fault.Error, Chunk)
	// OnOutcome observes every processed chunk, for instrumentation.
	// Unlike the other callbacks it survives SetCallbacks.
	OnOutcome func(ok bool, latency time.Duration)

	Logger *slog.Logger
	Now    func() time.Time
}

// Health is a point-in-time snapshot of one pipeline instance.
type Health struct {
	QueueDepth      int           `json:"queueDepth"`
	QueueCapacity   int           `json:"queueCapacity"`
	BufferOccupancy int           `json:"bufferOccupancy"`
	Processed       uint64        `json:"processed"`
	Errors          uint64        `json:"errors"`
	ErrorRate       float64       `json:"errorRate"`
	AvgLatency      time.Duration `json:"avgLatencyNs"`
	Paused          bool          `json:"paused"`
}

type Pipeline struct {
	cfg   Config
	queue chan Chunk

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closed atomic.Bool

	// pauseCh is non-nil while forwarding is suspended; closing it is
	// the drain signal.
	pauseMu sync.Mutex
	pauseCh chan struct{}

	cbMu         sync.RWMutex
	onTranscript func(Transcript, Chunk)
	onError      func(*fault.Error, Chunk)

	lookback *ring

	// Rolling stats over the last rollingWindow outcomes.
	statsMu   sync.Mutex
	processed uint64
	errors    uint64
	outcomes  []bool
	latencies []time.Duration
}

func New(cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.LookbackSize <= 0 {
		cfg.LookbackSize = defaultLookbackSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:          cfg,
		queue:        make(chan Chunk, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		lookback:     newRing(cfg.LookbackSize),
		onTranscript: cfg.OnTranscript,
		onError:      cfg.OnError,
	}
	go p.run()
	return p
}

// SetCallbacks installs or replaces the result sinks. The connection
// that consumes this pipeline is built after it, so wiring happens in
// two steps.
func (p *Pipeline) SetCallbacks(onTranscript func(Transcript, Chunk), onError func(*fault.Error, Chunk)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onTranscript = onTranscript
	p.onError = onError
}

func (p *Pipeline) callbacks() (func(Transcript, Chunk), func(*fault.Error, Chunk)) {
	p.cbMu.RLock()
	defer p.cbMu.RUnlock()
	return p.onTranscript, p.onError
}

// Submit queues a chunk for ordered processing. It never blocks: a
// full queue means the consumer is not keeping up and the caller gets
// an explicit error instead of silent reordering.
func (p *Pipeline) Submit(chunk Chunk) error {
	if p.closed.Load() {
		return fault.System("pipeline_closed", "stream pipeline is shut down", nil)
	}
	select {
	case p.queue <- chunk:
		p.lookback.add(chunk)
		return nil
	default:
		return fault.System("pipeline_overloaded", "stream pipeline queue is full", nil)
	}
}

// Pause suspends forwarding until Resume. Queued chunks stay queued in
// order; nothing is dropped.
func (p *Pipeline) Pause() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if p.pauseCh == nil {
		p.pauseCh = make(chan struct{})
	}
}

// Resume is the drain signal: the worker picks up exactly where it
// stopped.
func (p *Pipeline) Resume() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if p.pauseCh != nil {
		close(p.pauseCh)
		p.pauseCh = nil
	}
}

// Close stops the worker. Safe to call more than once; in-flight work
// is cancelled.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.Resume()
	p.cancel()
	<-p.done
}

// Lookback returns up to n most recent accepted chunks, oldest first.
func (p *Pipeline) Lookback(n int) []Chunk {
	return p.lookback.recent(n)
}

func (p *Pipeline) Health() Health {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	var errRate float64
	if len(p.outcomes) > 0 {
		var failed int
		for _, ok := range p.outcomes {
			if !ok {
				failed++
			}
		}
		errRate = float64(failed) / float64(len(p.outcomes))
	}
	var avg time.Duration
	if len(p.latencies) > 0 {
		var total time.Duration
		for _, d := range p.latencies {
			total += d
		}
		avg = total / time.Duration(len(p.latencies))
	}

	p.pauseMu.Lock()
	paused := p.pauseCh != nil
	p.pauseMu.Unlock()

	return Health{
		QueueDepth:      len(p.queue),
		QueueCapacity:   cap(p.queue),
		BufferOccupancy: p.lookback.len(),
		Processed:       p.processed,
		Errors:          p.errors,
		ErrorRate:       errRate,
		AvgLatency:      avg,
		Paused:          paused,
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case chunk := <-p.queue:
			if !p.waitResumed() {
				return
			}
			p.process(chunk)
		}
	}
}

// waitResumed blocks while paused; false means the pipeline closed
// before the drain signal arrived.
func (p *Pipeline) waitResumed() bool {
	for {
		p.pauseMu.Lock()
		ch := p.pauseCh
		p.pauseMu.Unlock()
		if ch == nil {
			return true
		}
		select {
		case <-ch:
		case <-p.ctx.Done():
			return false
		}
	}
}

func (p *Pipeline) process(chunk Chunk) {
	start := p.cfg.Now()

	var result Transcript
	err := p.cfg.Breaker.Do(p.ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, p.cfg.Retry, func(ctx context.Context) error {
			got, err := p.cfg.Recognizer.Recognize(ctx, chunk)
			if err != nil {
				return resilience.Retryable(err)
			}
			result = got
			return nil
		})
	})
	latency := p.cfg.Now().Sub(start)
	p.record(err == nil, latency)
	if p.cfg.OnOutcome != nil {
		p.cfg.OnOutcome(err == nil, latency)
	}
	onTranscript, onError := p.callbacks()

	if err != nil {
		fe := fault.As(err)
		if fe.Category == fault.CategorySystem && fe.Code == "internal" {
			fe = fault.System("recognition_failed", "recognition request failed", err)
		}
		if fe.Suggestion == "" {
			fe.Suggestion = "retry with backoff"
		}
		fe.Recoverable = true
		p.cfg.Logger.Warn("chunk recognition failed",
			"sequence", chunk.Sequence, "latency", latency, "error", err)
		if onError != nil {
			onError(fe, chunk)
		}
		return
	}
	if onTranscript != nil {
		onTranscript(result, chunk)
	}
}

func (p *Pipeline) record(ok bool, latency time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.processed++
	if !ok {
		p.errors++
	}
	p.outcomes = append(p.outcomes, ok)
	if len(p.outcomes) > rollingWindow {
		p.outcomes = p.outcomes[1:]
	}
	p.latencies = append(p.latencies, latency)
	if len(p.latencies) > rollingWindow {
		p.latencies = p.latencies[1:]
	}
}

// ring is a fixed-capacity circular buffer of recent chunks.
type ring struct {
	mu    sync.Mutex
	items []Chunk
	next  int
	full  bool
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Chunk, capacity)}
}

func (r *ring) add(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = c
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

func (r *ring) recent(n int) []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.items)
	}
	if n > size {
		n = size
	}
	out := make([]Chunk, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if r.full {
			idx = (r.next + len(r.items) - size + i) % len(r.items)
		}
		out = append(out, r.items[idx])
	}
	return out
}
