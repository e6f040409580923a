package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/pkg/auth"
	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/gateway/ratelimit"
)

// Service is the session control surface consumed by the gateway and
// by the HTTP layer. It binds the dual store to the token authority:
// sessions are created with a token pair, validated with a live access
// token, refreshed with rotation, and ended together with their
// tokens.
type Service struct {
	store  *Store
	tokens *auth.Authority

	// validateLimiter budgets ValidateSession calls per session.
	validateLimiter *ratelimit.Limiter

	logger *slog.Logger
	now    func() time.Time
}

type ServiceConfig struct {
	Store  *Store
	Tokens *auth.Authority

	// ValidateOpsPerMinute sets the per-session validation budget as a
	// token bucket: burst up to this many calls, refilled at this rate
	// per minute.
	ValidateOpsPerMinute int

	Logger *slog.Logger
	Now    func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("session: token authority is required")
	}
	if cfg.ValidateOpsPerMinute <= 0 {
		cfg.ValidateOpsPerMinute = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:  cfg.Store,
		tokens: cfg.Tokens,
		validateLimiter: ratelimit.New(ratelimit.Config{
			OpsPerSecond: float64(cfg.ValidateOpsPerMinute) / 60.0,
			Burst:        cfg.ValidateOpsPerMinute,
		}),
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// Identity carries the token-facing identity of the session owner.
type Identity struct {
	UserID       string
	Email        string
	Role         string
	TokenVersion int
}

// Create allocates a session and issues the token pair bound to it.
func (svc *Service) Create(ctx context.Context, id Identity, md Metadata) (*Session, auth.Pair, error) {
	s, err := svc.store.Create(ctx, id.UserID, md)
	if err != nil {
		return nil, auth.Pair{}, err
	}
	pair, err := svc.tokens.IssuePair(auth.Payload{
		UserID:       id.UserID,
		Email:        id.Email,
		Role:         id.Role,
		TokenVersion: id.TokenVersion,
		SessionID:    s.ID,
	})
	if err != nil {
		// The session exists but has no tokens; end it rather than
		// leave an orphan that can never be validated.
		if endErr := svc.store.End(ctx, s.ID); endErr != nil {
			svc.logger.Warn("failed to end orphaned session", "session_id", s.ID, "error", endErr)
		}
		return nil, auth.Pair{}, err
	}

	svc.logger.Info("session created", "session_id", s.ID, "user_id", id.UserID)
	return s, pair, nil
}

// Validate verifies the access token against the claimed session and
// touches the sliding expiry. The per-session validation budget is a
// sliding window; exceeding it returns a rate-limit error.
func (svc *Service) Validate(ctx context.Context, sessionID, token string) (*Session, error) {
	claims, err := svc.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID {
		return nil, fault.Auth()
	}

	d := svc.validateLimiter.Allow(sessionID, svc.now())
	if !d.Allowed {
		return nil, fault.RateLimited(d.RetryAfter)
	}

	s, err := svc.store.Touch(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fault.Auth()
		}
		return nil, err
	}
	if s.UserID != claims.UserID {
		return nil, fault.Auth()
	}
	return s, nil
}

// Refresh rotates the refresh token bound to the session. The consumed
// token is dead before the new pair exists.
func (svc *Service) Refresh(ctx context.Context, sessionID, refreshToken string) (auth.Pair, error) {
	claims, err := svc.tokens.Verify(refreshToken)
	if err != nil {
		return auth.Pair{}, err
	}
	if claims.SessionID != sessionID {
		return auth.Pair{}, fault.Auth()
	}
	if _, err := svc.store.Touch(ctx, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return auth.Pair{}, fault.Auth()
		}
		return auth.Pair{}, err
	}
	return svc.tokens.Refresh(refreshToken)
}

// End terminates the session in both stores and invalidates the token
// presented for it, when one is given.
func (svc *Service) End(ctx context.Context, sessionID, token string) error {
	if err := svc.store.End(ctx, sessionID); err != nil {
		return err
	}
	if token != "" {
		if err := svc.tokens.Invalidate(token); err != nil {
			svc.logger.Warn("failed to invalidate token on session end",
				"session_id", sessionID, "error", err)
		}
	}
	svc.logger.Info("session ended", "session_id", sessionID)
	return nil
}

// Touch refreshes the sliding expiry without token verification; used
// on heartbeat and streaming activity after the connection has already
// authenticated.
func (svc *Service) Touch(ctx context.Context, sessionID string) (*Session, error) {
	return svc.store.Touch(ctx, sessionID)
}

// Bind records the live connection on the session; an empty connID
// marks the session disconnected.
func (svc *Service) Bind(ctx context.Context, sessionID, connID string) (*Session, error) {
	return svc.store.Update(ctx, sessionID, func(s *Session) {
		s.ConnectionID = connID
		if connID == "" {
			s.Status = StatusDisconnected
		} else {
			s.Status = StatusActive
		}
	})
}

// CleanupExpired sweeps expired sessions from both stores.
func (svc *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return svc.store.CleanupExpired(ctx)
}
