// Package session owns the authoritative session lifecycle across a
// fast cache and a durable store. The durable store is the system of
// record; the cache is a TTL-bound accelerator that may be absent
// without invalidating a session. Expiry slides: it is always derived
// from the last observed activity, never from creation time.
package session

import (
	"context"
	"errors"
	"time"
)

// SlidingWindow is the inactivity window after which a session
// expires. Every touch recomputes ExpiryTime as now + SlidingWindow.
const SlidingWindow = 15 * time.Minute

type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusIdle         Status = "IDLE"
	StatusExpired      Status = "EXPIRED"
	StatusDisconnected Status = "DISCONNECTED"
)

type Metadata struct {
	UserAgent     string   `json:"userAgent,omitempty"`
	IPAddress     string   `json:"ipAddress,omitempty"`
	DeviceID      string   `json:"deviceId,omitempty"`
	LastLocation  string   `json:"lastLocation,omitempty"`
	SecurityFlags []string `json:"securityFlags,omitempty"`
}

type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Status         Status    `json:"status"`
	StartTime      time.Time `json:"startTime"`
	LastActiveTime time.Time `json:"lastActiveTime"`
	ExpiryTime     time.Time `json:"expiryTime"`
	Metadata       Metadata  `json:"metadata"`
	// ConnectionID is the live duplex connection bound to the session,
	// empty when disconnected.
	ConnectionID string `json:"connectionId,omitempty"`
}

// Valid reports whether the session is inside its activity window.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Status != StatusExpired && now.Before(s.ExpiryTime)
}

// TouchAt refreshes the sliding expiry from now.
func (s *Session) TouchAt(now time.Time) {
	s.LastActiveTime = now
	s.ExpiryTime = now.Add(SlidingWindow)
	if s.Status == StatusIdle {
		s.Status = StatusActive
	}
}

var (
	// ErrNotFound is returned when no live session exists for an id.
	ErrNotFound = errors.New("session not found")
	// ErrCacheMiss is returned by cache stores on a miss; the caller
	// falls back to the durable store.
	ErrCacheMiss = errors.New("session cache miss")
)

// DurableStore is the system of record for sessions.
type DurableStore interface {
	Insert(ctx context.Context, s *Session) error
	// Get returns ErrNotFound when no row exists.
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	MarkExpired(ctx context.Context, id string, at time.Time) error
	// ListExpired returns up to limit ids whose expiry is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	DeleteBatch(ctx context.Context, ids []string) (int64, error)
}

// CacheStore is the TTL-bound accelerator in front of the durable
// store.
type CacheStore interface {
	Put(ctx context.Context, s *Session, ttl time.Duration) error
	// Get returns ErrCacheMiss when the key is absent.
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}
