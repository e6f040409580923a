// Package auth issues, verifies, rotates, and revokes the signed
// tokens that bind client identity to sessions. Access tokens live 15
// minutes, refresh tokens 7 days and rotate on every use. A
// process-wide jti blacklist gates verification.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/voicewire/voicewire/pkg/fault"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the signed token body. Fingerprint is a derived hash that
// detects claim tampering independent of signature verification.
type Claims struct {
	jwt.RegisteredClaims
	UserID       string    `json:"uid"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	TokenVersion int       `json:"token_version"`
	Fingerprint  string    `json:"fingerprint"`
	TokenType    TokenType `json:"token_type"`
	SessionID    string    `json:"session_id,omitempty"`
}

// Payload carries the identity a token is issued for.
type Payload struct {
	UserID       string
	Email        string
	Role         string
	TokenVersion int
	SessionID    string
}

func (p Payload) validate() error {
	if p.UserID == "" || p.Email == "" || p.Role == "" {
		return fault.Validation("missing_claims", "payload requires userId, email, and role")
	}
	return nil
}

// Pair is an access+refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type Config struct {
	// Secret signs tokens with HS256; at least 32 bytes.
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// CurrentTokenVersion, when set, reports the live token version
	// for a user. A mismatch against the version baked into a token
	// invalidates every token issued for the old version.
	CurrentTokenVersion func(userID string) (int, bool)

	Now func() time.Time
}

// Authority is the process-wide token manager. Construct once with New
// and inject it; Close stops the blacklist janitors.
type Authority struct {
	cfg Config

	// blacklist holds revoked jti values until their natural expiry.
	blacklist *ttlcache.Cache[string, struct{}]
	// issued caches jti -> userID for fast revocation bookkeeping.
	issued *ttlcache.Cache[string, string]
}

func New(cfg Config) (*Authority, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("auth: signing secret must be at least 32 bytes, got %d", len(cfg.Secret))
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "voicewire"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	blacklist := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](cfg.RefreshTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	issued := ttlcache.New(
		ttlcache.WithTTL[string, string](cfg.RefreshTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go blacklist.Start()
	go issued.Start()

	return &Authority{cfg: cfg, blacklist: blacklist, issued: issued}, nil
}

func (a *Authority) Close() {
	a.blacklist.Stop()
	a.issued.Stop()
}

// Fingerprint derives the tamper-detection hash embedded in claims.
func Fingerprint(userID, email string, tokenVersion int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", userID, email, tokenVersion)))
	return hex.EncodeToString(sum[:])
}

// Issue emits a signed access token for p.
func (a *Authority) Issue(p Payload) (string, *Claims, error) {
	return a.issue(p, TokenTypeAccess, a.cfg.AccessTTL)
}

// IssuePair emits an access+refresh pair bound to the same identity
// and session.
func (a *Authority) IssuePair(p Payload) (Pair, error) {
	access, accessClaims, err := a.issue(p, TokenTypeAccess, a.cfg.AccessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshClaims, err := a.issue(p, TokenTypeRefresh, a.cfg.RefreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

func (a *Authority) issue(p Payload, typ TokenType, ttl time.Duration) (string, *Claims, error) {
	if err := p.validate(); err != nil {
		return "", nil, err
	}
	now := a.cfg.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.UserID,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:       p.UserID,
		Email:        p.Email,
		Role:         p.Role,
		TokenVersion: p.TokenVersion,
		Fingerprint:  Fingerprint(p.UserID, p.Email, p.TokenVersion),
		TokenType:    typ,
		SessionID:    p.SessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	a.issued.Set(claims.ID, p.UserID, ttl)
	return signed, claims, nil
}

// Verify checks blacklist membership, then signature and expiry, then
// recomputes the fingerprint. Every failure collapses to the same
// undifferentiated auth error so callers cannot enumerate which check
// tripped.
func (a *Authority) Verify(token string) (*Claims, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, fault.Auth()
	}
	if a.blacklist.Has(claims.ID) {
		return nil, fault.Auth()
	}
	if claims.Fingerprint != Fingerprint(claims.UserID, claims.Email, claims.TokenVersion) {
		return nil, fault.Auth()
	}
	if a.cfg.CurrentTokenVersion != nil {
		if current, ok := a.cfg.CurrentTokenVersion(claims.UserID); ok && current != claims.TokenVersion {
			a.blacklist.Set(claims.ID, struct{}{}, a.remainingTTL(claims))
			a.issued.Delete(claims.ID)
			return nil, fault.Auth()
		}
	}
	return claims, nil
}

// Refresh consumes refreshToken and rotates: the consumed jti is
// blacklisted before the new pair is issued, so a replayed refresh
// token is rejected unconditionally.
func (a *Authority) Refresh(refreshToken string) (Pair, error) {
	claims, err := a.Verify(refreshToken)
	if err != nil {
		return Pair{}, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return Pair{}, fault.Auth()
	}

	// Consumption is atomic: the first caller to blacklist the jti
	// wins, so concurrent refreshes of one token rotate exactly once.
	_, already := a.blacklist.GetOrSet(claims.ID, struct{}{},
		ttlcache.WithTTL[string, struct{}](a.remainingTTL(claims)))
	if already {
		return Pair{}, fault.Auth()
	}
	a.issued.Delete(claims.ID)

	return a.IssuePair(Payload{
		UserID:       claims.UserID,
		Email:        claims.Email,
		Role:         claims.Role,
		TokenVersion: claims.TokenVersion,
		SessionID:    claims.SessionID,
	})
}

// Invalidate blacklists the token's jti and purges the verification
// cache entry. Expired signatures are still accepted here: revoking a
// token that already lapsed is a no-op, not an error.
func (a *Authority) Invalidate(token string) error {
	claims, err := a.parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil
		}
		return fault.Auth()
	}
	a.blacklist.Set(claims.ID, struct{}{}, a.remainingTTL(claims))
	a.issued.Delete(claims.ID)
	return nil
}

// IssuedCount reports live entries in the verification cache.
func (a *Authority) IssuedCount() int {
	return a.issued.Len()
}

func (a *Authority) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.cfg.Secret, nil
	}, jwt.WithIssuer(a.cfg.Issuer), jwt.WithTimeFunc(a.cfg.Now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

func (a *Authority) remainingTTL(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return a.cfg.RefreshTTL
	}
	ttl := claims.ExpiresAt.Time.Sub(a.cfg.Now())
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}
