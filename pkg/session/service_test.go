package session

import (
	"context"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/auth"
	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/resilience"
)

type serviceFixture struct {
	svc     *Service
	tokens  *auth.Authority
	durable *fakeDurable
	clock   *time.Time
}

func newServiceFixture(t *testing.T, validatePerMinute int) *serviceFixture {
	t.Helper()
	durable := newFakeDurable()
	cache := newFakeCache()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &start
	now := func() time.Time { return *clock }

	store, err := NewStore(StoreConfig{
		Durable:        durable,
		Cache:          cache,
		DurableBreaker: testBreaker("postgres"),
		CacheBreaker:   testBreaker("redis"),
		Retry:          resilience.RetryPolicy{Attempts: 1, Base: time.Millisecond},
		Now:            now,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	tokens, err := auth.New(auth.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	t.Cleanup(tokens.Close)

	svc, err := NewService(ServiceConfig{
		Store:                store,
		Tokens:               tokens,
		ValidateOpsPerMinute: validatePerMinute,
		Now:                  now,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &serviceFixture{svc: svc, tokens: tokens, durable: durable, clock: clock}
}

func (fx *serviceFixture) advance(d time.Duration) {
	*fx.clock = fx.clock.Add(d)
}

var alice = Identity{UserID: "u1", Email: "alice@example.com", Role: "user", TokenVersion: 1}

func TestService_CreateBindsTokensToSession(t *testing.T) {
	fx := newServiceFixture(t, 0)
	ctx := context.Background()

	s, pair, err := fx.svc.Create(ctx, alice, Metadata{UserAgent: "test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Create returned an empty token pair")
	}

	claims, err := fx.tokens.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify access token: %v", err)
	}
	if claims.SessionID != s.ID {
		t.Fatalf("token session = %q, want %q", claims.SessionID, s.ID)
	}
	if claims.UserID != alice.UserID {
		t.Fatalf("token user = %q, want %q", claims.UserID, alice.UserID)
	}
}

func TestService_ValidateTouchesSlidingExpiry(t *testing.T) {
	fx := newServiceFixture(t, 0)
	ctx := context.Background()

	s, pair, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	firstExpiry := s.ExpiryTime

	fx.advance(10 * time.Minute)
	got, err := fx.svc.Validate(ctx, s.ID, pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.ExpiryTime.After(firstExpiry) {
		t.Fatal("validation did not slide the expiry forward")
	}
	if want := got.LastActiveTime.Add(SlidingWindow); !got.ExpiryTime.Equal(want) {
		t.Fatalf("expiry = %v, want lastActive+window = %v", got.ExpiryTime, want)
	}
}

func TestService_ValidateRejectsForeignSession(t *testing.T) {
	fx := newServiceFixture(t, 0)
	ctx := context.Background()

	s1, pair1, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create s1: %v", err)
	}
	s2, _, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create s2: %v", err)
	}

	// s1's token must not validate s2, and vice versa the garbage
	// token must not validate s1, with identical error shape.
	_, crossErr := fx.svc.Validate(ctx, s2.ID, pair1.AccessToken)
	_, junkErr := fx.svc.Validate(ctx, s1.ID, "not-a-token")
	for _, err := range []error{crossErr, junkErr} {
		fe := fault.As(err)
		if fe == nil || fe.Category != fault.CategoryAuth {
			t.Fatalf("err = %v, want auth category", err)
		}
	}
	if fault.As(crossErr).Message != fault.As(junkErr).Message {
		t.Fatalf("auth failures are distinguishable: %q vs %q",
			fault.As(crossErr).Message, fault.As(junkErr).Message)
	}
}

func TestService_ValidateBudgetPerSession(t *testing.T) {
	fx := newServiceFixture(t, 100)
	ctx := context.Background()

	s, pair, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	other, otherPair, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create other: %v", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := fx.svc.Validate(ctx, s.ID, pair.AccessToken); err != nil {
			t.Fatalf("validate %d: %v", i+1, err)
		}
	}
	_, err = fx.svc.Validate(ctx, s.ID, pair.AccessToken)
	fe := fault.As(err)
	if fe == nil || fe.Category != fault.CategoryRateLimit {
		t.Fatalf("101st validate: err = %v, want rate limit", err)
	}
	if fe.RetryAfter < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", fe.RetryAfter)
	}

	// The budget is per session, not global.
	if _, err := fx.svc.Validate(ctx, other.ID, otherPair.AccessToken); err != nil {
		t.Fatalf("other session throttled by neighbor: %v", err)
	}
}

func TestService_RefreshRotates(t *testing.T) {
	fx := newServiceFixture(t, 0)
	ctx := context.Background()

	s, pair, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	next, err := fx.svc.Refresh(ctx, s.ID, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.AccessToken == pair.AccessToken || next.RefreshToken == pair.RefreshToken {
		t.Fatal("Refresh reissued the same tokens")
	}

	// The consumed refresh token is dead; the new one works.
	if _, err := fx.svc.Refresh(ctx, s.ID, pair.RefreshToken); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("replayed refresh token: err = %v, want auth error", err)
	}
	if _, err := fx.svc.Refresh(ctx, s.ID, next.RefreshToken); err != nil {
		t.Fatalf("second rotation: %v", err)
	}
}

func TestService_EndKillsSessionAndToken(t *testing.T) {
	fx := newServiceFixture(t, 0)
	ctx := context.Background()

	s, pair, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fx.svc.End(ctx, s.ID, pair.AccessToken); err != nil {
		t.Fatalf("End: %v", err)
	}

	if _, err := fx.svc.Validate(ctx, s.ID, pair.AccessToken); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("validate after end: err = %v, want auth error", err)
	}
	if _, err := fx.tokens.Verify(pair.AccessToken); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("token survived End: %v", err)
	}
}

func TestService_BindTracksConnection(t *testing.T) {
	fx := newServiceFixture(t, 0)
	ctx := context.Background()

	s, _, err := fx.svc.Create(ctx, alice, Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	bound, err := fx.svc.Bind(ctx, s.ID, "c_ab12cd34")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if bound.ConnectionID != "c_ab12cd34" || bound.Status != StatusActive {
		t.Fatalf("bound session = %+v", bound)
	}

	unbound, err := fx.svc.Bind(ctx, s.ID, "")
	if err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if unbound.ConnectionID != "" || unbound.Status != StatusDisconnected {
		t.Fatalf("unbound session = %+v", unbound)
	}
}
