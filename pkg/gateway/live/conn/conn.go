// Package conn owns one live duplex connection: the read loop with
// per-connection rate limiting, the outbound writer with priority
// frames and ping keepalive, the heartbeat watchdog, and the exactly
// once teardown of the socket and its pipeline.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/gateway/live/protocol"
	"github.com/voicewire/voicewire/pkg/metrics"
	"github.com/voicewire/voicewire/pkg/pipeline"
	"github.com/voicewire/voicewire/pkg/session"
)

// wsConn is the slice of *websocket.Conn the connection needs; tests
// substitute a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Sessions is the session surface the connection touches during its
// lifetime.
type Sessions interface {
	Touch(ctx context.Context, sessionID string) (*session.Session, error)
	Bind(ctx context.Context, sessionID, connID string) (*session.Session, error)
}

type Config struct {
	// HeartbeatInterval is the ping cadence.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout force-closes the socket when no liveness signal
	// (pong, heartbeat frame, or any inbound message) arrives in time.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration

	// MaxMessageBytes caps one inbound frame.
	MaxMessageBytes int64
	// MsgRatePerSecond caps inbound frames per connection; excess
	// traffic gets an explicit ERROR frame, not a silent drop.
	MsgRatePerSecond int

	// TouchInterval throttles session touches driven by audio frames.
	TouchInterval time.Duration

	OutboundQueueSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (cfg Config) withDefaults() Config {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2*cfg.HeartbeatInterval + cfg.HeartbeatInterval/2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.MsgRatePerSecond <= 0 {
		cfg.MsgRatePerSecond = 50
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = 5 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Connection binds one socket to one session and its pipeline.
type Connection struct {
	ID        string
	SessionID string

	ws       wsConn
	pipe     *pipeline.Pipeline
	sessions Sessions
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	// priority carries ERROR and HEARTBEAT envelopes ahead of
	// transcript traffic.
	priority chan []byte
	normal   chan []byte

	// lastLive is unix nanos of the latest liveness signal.
	lastLive atomic.Int64

	lastTouchMu sync.Mutex
	lastTouch   time.Time

	msgLimiter *msgLimiter

	closeOnce    sync.Once
	done         chan struct{}
	onUnregister func()
}

func New(id, sessionID string, ws wsConn, pipe *pipeline.Pipeline, sessions Sessions, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:         id,
		SessionID:  sessionID,
		ws:         ws,
		pipe:       pipe,
		sessions:   sessions,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		priority:   make(chan []byte, 16),
		normal:     make(chan []byte, cfg.OutboundQueueSize),
		msgLimiter: newMsgLimiter(cfg.MsgRatePerSecond, cfg.Now),
		done:       make(chan struct{}),
	}
	c.lastLive.Store(cfg.Now().UnixNano())
	return c
}

// OnUnregister installs the pool-removal hook; it runs exactly once,
// on whichever exit path fires first.
func (c *Connection) OnUnregister(fn func()) {
	c.onUnregister = fn
}

// Run serves the connection until the peer disconnects, a fatal
// protocol violation occurs, or the watchdog fires. It always returns
// with the connection fully torn down.
func (c *Connection) Run() {
	defer c.Close(protocol.CloseNormal, "connection closed")

	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	c.markLive()
	c.ws.SetPongHandler(func(string) error {
		c.markLive()
		return c.ws.SetReadDeadline(c.cfg.Now().Add(c.cfg.HeartbeatTimeout))
	})
	if err := c.ws.SetReadDeadline(c.cfg.Now().Add(c.cfg.HeartbeatTimeout)); err != nil {
		return
	}

	go c.writeLoop()
	go c.watchdog()

	c.readLoop()
}

func (c *Connection) readLoop() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.cfg.Logger.Debug("read failed", "conn_id", c.ID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.markLive()

		if !c.msgLimiter.Allow() {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RateLimitedFrames.Inc()
			}
			c.sendFault(fault.RateLimited(1))
			continue
		}

		msg, err := protocol.DecodeClientMessage(data, c.cfg.Now())
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) && de.Fatal {
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.FramesRejected.WithLabelValues(de.Code).Inc()
				}
				c.Close(de.CloseCode, de.Message)
				return
			}
			c.rejectFrame(err)
			continue
		}

		switch frame := msg.(type) {
		case protocol.AudioFrame:
			c.handleAudio(frame)
		case protocol.HeartbeatFrame:
			c.handleHeartbeat(frame)
		}
	}
}

func (c *Connection) handleAudio(frame protocol.AudioFrame) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FramesReceived.WithLabelValues(protocol.TypeAudio).Inc()
	}
	err := c.pipe.Submit(pipeline.Chunk{
		Data:      frame.Data,
		Timestamp: time.UnixMilli(frame.Timestamp),
		Format:    frame.Audio.Format,
		Sequence:  frame.SequenceNumber,
	})
	if err != nil {
		c.sendFault(fault.As(err))
		return
	}
	c.touchThrottled()
}

func (c *Connection) handleHeartbeat(frame protocol.HeartbeatFrame) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FramesReceived.WithLabelValues(protocol.TypeHeartbeat).Inc()
	}
	now := c.cfg.Now()
	if _, err := c.sessions.Touch(c.ctx, c.SessionID); err != nil {
		c.cfg.Logger.Warn("heartbeat touch failed", "conn_id", c.ID, "error", err)
	}

	var latency time.Duration
	if frame.Timestamp > 0 {
		latency = now.Sub(time.UnixMilli(frame.Timestamp))
		if latency < 0 {
			latency = 0
		}
	}
	c.sendPriority(protocol.NewHeartbeatAck(latency, now))
}

// touchThrottled refreshes the sliding expiry at most once per
// TouchInterval so a 50 fps audio stream does not hammer the stores.
func (c *Connection) touchThrottled() {
	now := c.cfg.Now()
	c.lastTouchMu.Lock()
	due := now.Sub(c.lastTouch) >= c.cfg.TouchInterval
	if due {
		c.lastTouch = now
	}
	c.lastTouchMu.Unlock()
	if !due {
		return
	}
	if _, err := c.sessions.Touch(c.ctx, c.SessionID); err != nil {
		c.cfg.Logger.Warn("activity touch failed", "conn_id", c.ID, "error", err)
	}
}

// SendTranscript queues an outbound TRANSCRIPT envelope. When the
// outbound buffer is full it pauses the pipeline, blocks until the
// writer drains, then resumes. Order is preserved, nothing drops.
func (c *Connection) SendTranscript(t pipeline.Transcript, chunk pipeline.Chunk) {
	env, err := protocol.NewTranscript("", protocol.TranscriptPayload{
		Transcript: t.Text,
		Confidence: t.Confidence,
		IsFinal:    t.IsFinal,
	}, c.cfg.Now())
	if err != nil {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}

	select {
	case c.normal <- body:
		return
	default:
	}

	c.pipe.Pause()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PipelinePaused.Inc()
	}
	defer func() {
		c.pipe.Resume()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.PipelinePaused.Dec()
		}
	}()

	select {
	case c.normal <- body:
	case <-c.ctx.Done():
	}
}

// SendError surfaces a structured failure to the client ahead of
// queued transcripts.
func (c *Connection) SendError(fe *fault.Error, _ pipeline.Chunk) {
	c.sendFault(fe)
}

func (c *Connection) sendFault(fe *fault.Error) {
	env := protocol.NewError(string(fe.Category), fe.Suggestion, protocol.ErrorPayload{
		Code:        fe.Code,
		Message:     fe.Message,
		Recoverable: fe.Recoverable,
	}, c.cfg.Now())
	c.sendPriority(env)
}

func (c *Connection) rejectFrame(err error) {
	var de *protocol.DecodeError
	if !errors.As(err, &de) {
		de = &protocol.DecodeError{Code: "bad_frame", Message: err.Error()}
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FramesRejected.WithLabelValues(de.Code).Inc()
	}
	env := protocol.NewError(string(fault.CategoryProtocol), "", protocol.ErrorPayload{
		Code:        de.Code,
		Message:     de.Message,
		Recoverable: true,
	}, c.cfg.Now())
	c.sendPriority(env)
}

func (c *Connection) sendPriority(env protocol.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.priority <- body:
	default:
		// Priority queue full means the writer is wedged; the close
		// path will surface it.
	}
}

// writeLoop is the only goroutine that writes to the socket. Priority
// frames preempt normal ones; the ping ticker keeps the peer's pong
// handler feeding the watchdog.
func (c *Connection) writeLoop() {
	pingTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer pingTicker.Stop()

	for {
		select {
		case body := <-c.priority:
			if err := c.write(body); err != nil {
				c.Close(protocol.CloseInternalError, "write failed")
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case <-pingTicker.C:
			deadline := c.cfg.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				c.Close(protocol.CloseInternalError, "ping failed")
				return
			}
		case body := <-c.priority:
			if err := c.write(body); err != nil {
				c.Close(protocol.CloseInternalError, "write failed")
				return
			}
		case body := <-c.normal:
			if err := c.write(body); err != nil {
				c.Close(protocol.CloseInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Connection) write(body []byte) error {
	if err := c.ws.SetWriteDeadline(c.cfg.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, body)
}

// watchdog force-terminates the socket when the liveness window
// lapses.
func (c *Connection) watchdog() {
	interval := c.cfg.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastLive.Load())
			if c.cfg.Now().Sub(last) > c.cfg.HeartbeatTimeout {
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.HeartbeatTimeouts.Inc()
				}
				c.cfg.Logger.Warn("heartbeat window lapsed, terminating connection",
					"conn_id", c.ID, "session_id", c.SessionID)
				c.Close(protocol.ClosePolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Connection) markLive() {
	c.lastLive.Store(c.cfg.Now().UnixNano())
}

// Close tears the connection down exactly once: close frame, socket,
// pipeline, pool entry, and session binding. Every exit path funnels
// here.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := c.cfg.Now().Add(c.cfg.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.cancel()
		_ = c.ws.Close()
		c.pipe.Close()

		if c.onUnregister != nil {
			c.onUnregister()
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConnectionsClosed.WithLabelValues(closeReason(code)).Inc()
		}

		// Best-effort: mark the session disconnected so a reconnect
		// sees honest state. The session itself keeps living until its
		// sliding window lapses.
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		if _, err := c.sessions.Bind(ctx, c.SessionID, ""); err != nil && !errors.Is(err, session.ErrNotFound) {
			c.cfg.Logger.Warn("failed to mark session disconnected",
				"conn_id", c.ID, "session_id", c.SessionID, "error", err)
		}

		close(c.done)
		c.cfg.Logger.Info("connection closed",
			"conn_id", c.ID, "session_id", c.SessionID, "code", code, "reason", reason)
	})
}

// Done closes when teardown has completed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Health reports the bound pipeline's snapshot.
func (c *Connection) Health() pipeline.Health {
	return c.pipe.Health()
}

func closeReason(code int) string {
	switch code {
	case protocol.CloseNormal:
		return "normal"
	case protocol.CloseUnsupportedType:
		return "unsupported_type"
	case protocol.ClosePolicyViolation:
		return "policy"
	case protocol.CloseInternalError:
		return "internal"
	default:
		return "other"
	}
}

// msgLimiter is a per-connection token bucket over inbound frames.
type msgLimiter struct {
	mu         sync.Mutex
	now        func() time.Time
	rate       float64
	tokens     float64
	capacity   float64
	lastRefill time.Time
}

func newMsgLimiter(perSecond int, now func() time.Time) *msgLimiter {
	return &msgLimiter{
		now:        now,
		rate:       float64(perSecond),
		tokens:     float64(perSecond),
		capacity:   float64(perSecond),
		lastRefill: now(),
	}
}

func (l *msgLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
		l.lastRefill = now
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
