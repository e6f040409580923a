// Package protocol defines the duplex wire format: JSON envelopes
// typed AUDIO, TRANSCRIPT, ERROR, or HEARTBEAT, plus the decode and
// freshness rules applied before a frame reaches the pipeline.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeAudio      = "AUDIO"
	TypeTranscript = "TRANSCRIPT"
	TypeError      = "ERROR"
	TypeHeartbeat  = "HEARTBEAT"
)

// Close codes sent when the server terminates a connection.
const (
	CloseNormal          = 1000
	CloseUnsupportedType = 1003
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// FreshnessWindow bounds how old an AUDIO frame's timestamp may be.
// Frames older than this, or dated in the future, are rejected without
// closing the connection.
const FreshnessWindow = 5 * time.Second

type DecodeError struct {
	Code    string
	Message string
	Param   string
	// Fatal frames close the connection with CloseCode; non-fatal
	// frames produce an ERROR envelope and the stream continues.
	Fatal     bool
	CloseCode int
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{
		Code: "unsupported", Message: message, Param: param,
		Fatal: true, CloseCode: CloseUnsupportedType,
	}
}

// ConnectionQuality is the client-reported link health carried on
// heartbeats.
type ConnectionQuality struct {
	Latency    int64   `json:"latency,omitempty"`
	Jitter     int64   `json:"jitter,omitempty"`
	PacketLoss float64 `json:"packetLoss,omitempty"`
	Bandwidth  int64   `json:"bandwidth,omitempty"`
}

// AudioMetadata describes the shape of the audio carried in a frame.
type AudioMetadata struct {
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	FrameSize  int    `json:"frameSize,omitempty"`
}

// Envelope is the outer frame shared by every message type. Timestamps
// are unix milliseconds.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`

	// AUDIO only.
	SequenceNumber int64          `json:"sequenceNumber,omitempty"`
	AudioMetadata  *AudioMetadata `json:"audioMetadata,omitempty"`

	// HEARTBEAT only.
	Latency int64              `json:"latency,omitempty"`
	Quality *ConnectionQuality `json:"connectionQuality,omitempty"`

	// ERROR only.
	ErrorCategory      string `json:"errorCategory,omitempty"`
	RecoverySuggestion string `json:"recoverySuggestion,omitempty"`
}

type AudioPayload struct {
	Data      string `json:"data"`
	Format    string `json:"format"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
}

type TranscriptPayload struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"isFinal"`
}

type ErrorPayload struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

// AudioFrame is a decoded inbound AUDIO envelope with its payload
// bytes already base64-decoded.
type AudioFrame struct {
	Envelope
	Audio AudioPayload
	Data  []byte
}

// HeartbeatFrame is a decoded inbound HEARTBEAT envelope.
type HeartbeatFrame struct {
	Envelope
}

// DecodeClientMessage parses and validates one inbound frame. AUDIO
// freshness is checked against now: a stale or future-dated frame is a
// non-fatal protocol error, an unknown type is fatal.
func DecodeClientMessage(data []byte, now time.Time) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case TypeAudio:
		var payload AudioPayload
		if len(env.Payload) == 0 {
			return nil, badFrame("audio frame requires a payload", "payload")
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, badFrame("invalid audio payload", "payload")
		}
		if strings.TrimSpace(payload.Data) == "" {
			return nil, badFrame("payload.data is required", "payload.data")
		}
		raw, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			return nil, badFrame("payload.data is not valid base64", "payload.data")
		}
		if env.SequenceNumber <= 0 && payload.Sequence > 0 {
			env.SequenceNumber = payload.Sequence
		}
		if env.SequenceNumber <= 0 {
			return nil, badFrame("sequenceNumber is required", "sequenceNumber")
		}
		if err := checkFreshness(env.Timestamp, now); err != nil {
			return nil, err
		}
		return AudioFrame{Envelope: env, Audio: payload, Data: raw}, nil

	case TypeHeartbeat:
		return HeartbeatFrame{Envelope: env}, nil

	case TypeTranscript, TypeError:
		// Server-originated types; a client must not send them.
		return nil, badFrame("type is server to client only", "type")

	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// checkFreshness rejects AUDIO timestamps outside the window. A zero
// timestamp is rejected too: ordering decisions need a real one.
func checkFreshness(tsMillis int64, now time.Time) error {
	if tsMillis <= 0 {
		return badFrame("timestamp is required", "timestamp")
	}
	ts := time.UnixMilli(tsMillis)
	if now.Sub(ts) > FreshnessWindow {
		return &DecodeError{Code: "stale_frame", Message: "audio frame is too old", Param: "timestamp"}
	}
	if ts.After(now) {
		return &DecodeError{Code: "future_frame", Message: "audio frame is dated in the future", Param: "timestamp"}
	}
	return nil
}

// NewTranscript builds an outbound TRANSCRIPT envelope.
func NewTranscript(messageID string, p TranscriptPayload, now time.Time) (Envelope, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      TypeTranscript,
		Payload:   body,
		Timestamp: now.UnixMilli(),
		MessageID: messageID,
	}, nil
}

// NewError builds an outbound ERROR envelope.
func NewError(category, suggestion string, p ErrorPayload, now time.Time) Envelope {
	body, _ := json.Marshal(p)
	return Envelope{
		Type:               TypeError,
		Payload:            body,
		Timestamp:          now.UnixMilli(),
		ErrorCategory:      category,
		RecoverySuggestion: suggestion,
	}
}

// NewHeartbeatAck echoes a heartbeat with the server-measured latency.
func NewHeartbeatAck(latency time.Duration, now time.Time) Envelope {
	return Envelope{
		Type:      TypeHeartbeat,
		Timestamp: now.UnixMilli(),
		Latency:   latency.Milliseconds(),
	}
}
