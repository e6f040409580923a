package conn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/gateway/live/protocol"
	"github.com/voicewire/voicewire/pkg/pipeline"
	"github.com/voicewire/voicewire/pkg/resilience"
	"github.com/voicewire/voicewire/pkg/session"
)

type fakeSocket struct {
	mu      sync.Mutex
	inbound chan []byte
	frames  [][]byte
	closes  []int
	pings   int

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.inbound:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closes = append(f.closes, int(data[0])<<8|int(data[1]))
		}
	case websocket.PingMessage:
		f.pings++
	}
	return nil
}

func (f *fakeSocket) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeSocket) SetReadLimit(int64)               {}
func (f *fakeSocket) SetPongHandler(func(string) error) {}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.closes))
	copy(out, f.closes)
	return out
}

// envelopes decodes every text frame written so far by type.
func (f *fakeSocket) envelopes(t *testing.T, typ string) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, raw := range f.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("written frame is not an envelope: %v", err)
		}
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSocket) waitEnvelope(t *testing.T, typ string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if envs := f.envelopes(t, typ); len(envs) > 0 {
			return envs[len(envs)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s envelope written", typ)
	return protocol.Envelope{}
}

type fakeSessions struct {
	mu      sync.Mutex
	touches int
	binds   []string
}

func (f *fakeSessions) Touch(_ context.Context, _ string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return &session.Session{ID: "s1", UserID: "u1", Status: session.StatusActive}, nil
}

func (f *fakeSessions) Bind(_ context.Context, _ string, connID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, connID)
	return &session.Session{ID: "s1"}, nil
}

func (f *fakeSessions) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches
}

type stubRecognizer struct {
	mu   sync.Mutex
	seqs []int64
}

func (s *stubRecognizer) Recognize(_ context.Context, chunk pipeline.Chunk) (pipeline.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, chunk.Sequence)
	return pipeline.Transcript{Text: fmt.Sprintf("t-%d", chunk.Sequence), IsFinal: true}, nil
}

func (s *stubRecognizer) sequences() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.seqs))
	copy(out, s.seqs)
	return out
}

type connFixture struct {
	conn     *Connection
	socket   *fakeSocket
	sessions *fakeSessions
	rec      *stubRecognizer
	ranDone  chan struct{}
}

func newConnFixture(t *testing.T, mutate func(*Config)) *connFixture {
	t.Helper()
	socket := newFakeSocket()
	sessions := &fakeSessions{}
	rec := &stubRecognizer{}

	cfg := Config{
		HeartbeatInterval: time.Hour, // keep tickers quiet unless a test wants them
		HeartbeatTimeout:  time.Hour,
		TouchInterval:     time.Nanosecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	pipe := pipeline.New(pipeline.Config{
		Recognizer: rec,
		Retry:      resilience.RetryPolicy{Attempts: 1, Base: time.Millisecond},
		Breaker:    resilience.NewBreaker(resilience.BreakerConfig{Name: "recognizer", MinRequests: 1000}, nil, nil),
	})
	c := New("c_test1", "s1", socket, pipe, sessions, cfg)

	fx := &connFixture{conn: c, socket: socket, sessions: sessions, rec: rec, ranDone: make(chan struct{})}
	go func() {
		c.Run()
		close(fx.ranDone)
	}()
	t.Cleanup(func() {
		c.Close(protocol.CloseNormal, "test done")
		select {
		case <-fx.ranDone:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after Close")
		}
	})
	return fx
}

func audioFrame(seq int64, ts time.Time) []byte {
	data := base64.StdEncoding.EncodeToString([]byte("pcm"))
	return []byte(fmt.Sprintf(
		`{"type":"AUDIO","timestamp":%d,"sequenceNumber":%d,"payload":{"data":%q,"format":"pcm16"}}`,
		ts.UnixMilli(), seq, data))
}

func TestConnection_StaleAudioRejectedWithoutClose(t *testing.T) {
	fx := newConnFixture(t, nil)

	// Ten seconds old: protocol error, connection survives.
	fx.socket.inbound <- audioFrame(5, time.Now().Add(-10*time.Second))
	env := fx.socket.waitEnvelope(t, protocol.TypeError)
	if env.ErrorCategory != "protocol" {
		t.Fatalf("error category = %q, want protocol", env.ErrorCategory)
	}
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Code != "stale_frame" {
		t.Fatalf("code = %q, want stale_frame", payload.Code)
	}
	if codes := fx.socket.closeCodes(); len(codes) != 0 {
		t.Fatalf("connection closed with %v, want open", codes)
	}

	// A fresh frame on the same connection still flows to recognition.
	fx.socket.inbound <- audioFrame(6, time.Now())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fx.rec.sequences()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := fx.rec.sequences(); len(got) != 1 || got[0] != 6 {
		t.Fatalf("recognized %v, want [6]", got)
	}
}

func TestConnection_UnknownTypeCloses1003(t *testing.T) {
	fx := newConnFixture(t, nil)

	fx.socket.inbound <- []byte(`{"type":"VIDEO"}`)
	select {
	case <-fx.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close on unknown type")
	}
	codes := fx.socket.closeCodes()
	if len(codes) == 0 || codes[0] != protocol.CloseUnsupportedType {
		t.Fatalf("close codes = %v, want leading %d", codes, protocol.CloseUnsupportedType)
	}
}

func TestConnection_HeartbeatTouchesAndAcks(t *testing.T) {
	fx := newConnFixture(t, nil)

	fx.socket.inbound <- []byte(fmt.Sprintf(
		`{"type":"HEARTBEAT","timestamp":%d,"latency":10}`, time.Now().Add(-30*time.Millisecond).UnixMilli()))
	ack := fx.socket.waitEnvelope(t, protocol.TypeHeartbeat)
	if ack.Latency < 0 {
		t.Fatalf("ack latency = %d", ack.Latency)
	}
	if fx.sessions.touchCount() == 0 {
		t.Fatal("heartbeat did not touch the session")
	}
}

func TestConnection_AudioTouchesSession(t *testing.T) {
	fx := newConnFixture(t, nil)

	fx.socket.inbound <- audioFrame(1, time.Now())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.sessions.touchCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("audio activity did not touch the session")
}

func TestConnection_MessageRateLimit(t *testing.T) {
	frozen := time.Now()
	fx := newConnFixture(t, func(cfg *Config) {
		cfg.MsgRatePerSecond = 2
		cfg.Now = func() time.Time { return frozen }
	})

	for i := 0; i < 3; i++ {
		fx.socket.inbound <- []byte(fmt.Sprintf(
			`{"type":"HEARTBEAT","timestamp":%d}`, frozen.UnixMilli()))
	}
	env := fx.socket.waitEnvelope(t, protocol.TypeError)
	if env.ErrorCategory != "rate_limit" {
		t.Fatalf("error category = %q, want rate_limit", env.ErrorCategory)
	}
	if codes := fx.socket.closeCodes(); len(codes) != 0 {
		t.Fatalf("rate limit closed the connection: %v", codes)
	}
}

func TestConnection_HeartbeatTimeoutClosesOnce(t *testing.T) {
	fx := newConnFixture(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.HeartbeatTimeout = 30 * time.Millisecond
	})

	select {
	case <-fx.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	codes := fx.socket.closeCodes()
	if len(codes) != 1 {
		t.Fatalf("close frames = %v, want exactly one", codes)
	}
	if codes[0] != protocol.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", codes[0], protocol.ClosePolicyViolation)
	}
}

func TestConnection_CloseMarksSessionDisconnected(t *testing.T) {
	fx := newConnFixture(t, nil)

	fx.conn.Close(protocol.CloseNormal, "bye")
	<-fx.conn.Done()

	fx.sessions.mu.Lock()
	defer fx.sessions.mu.Unlock()
	if len(fx.sessions.binds) != 1 || fx.sessions.binds[0] != "" {
		t.Fatalf("binds = %v, want one unbind", fx.sessions.binds)
	}
}

func TestConnection_TranscriptsFlowBack(t *testing.T) {
	fx := newConnFixture(t, nil)
	fx.conn.pipe.SetCallbacks(fx.conn.SendTranscript, fx.conn.SendError)

	fx.socket.inbound <- audioFrame(1, time.Now())
	env := fx.socket.waitEnvelope(t, protocol.TypeTranscript)
	var payload protocol.TranscriptPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Transcript != "t-1" || !payload.IsFinal {
		t.Fatalf("payload = %+v", payload)
	}
}
