package auth

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/fault"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := New(Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Issuer: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func testPayload() Payload {
	return Payload{
		UserID:       "u1",
		Email:        "u1@example.com",
		Role:         "user",
		TokenVersion: 1,
		SessionID:    "s1",
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	a := newTestAuthority(t)

	token, issued, err := a.Issue(testPayload())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "u1@example.com" || claims.SessionID != "s1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.TokenType != TokenTypeAccess {
		t.Fatalf("token type = %q, want access", claims.TokenType)
	}
	if claims.ID != issued.ID {
		t.Fatalf("jti mismatch: %q vs %q", claims.ID, issued.ID)
	}
	if claims.Fingerprint != Fingerprint("u1", "u1@example.com", 1) {
		t.Fatal("fingerprint not derived from userId:email:tokenVersion")
	}
}

func TestIssue_RequiresIdentityFields(t *testing.T) {
	a := newTestAuthority(t)

	_, _, err := a.Issue(Payload{UserID: "u1"})
	if fault.CategoryOf(err) != fault.CategoryValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

// All verification failures must produce the same undifferentiated
// error message, so a caller cannot learn which check failed.
func TestVerify_FailuresAreUndifferentiated(t *testing.T) {
	a := newTestAuthority(t)

	valid, _, err := a.Issue(testPayload())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	revoked, _, err := a.Issue(testPayload())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := a.Invalidate(revoked); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	tampered := valid[:len(valid)-2] + "xx"

	cases := map[string]string{
		"garbage":   "not-a-token",
		"tampered":  tampered,
		"revoked":   revoked,
		"wrong-key": mustSignElsewhere(t),
	}
	var messages []string
	for name, token := range cases {
		_, err := a.Verify(token)
		if err == nil {
			t.Fatalf("%s: Verify succeeded, want failure", name)
		}
		if fault.CategoryOf(err) != fault.CategoryAuth {
			t.Fatalf("%s: category = %v, want auth", name, fault.CategoryOf(err))
		}
		messages = append(messages, err.Error())
	}
	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Fatalf("differentiated auth errors: %q vs %q", messages[0], m)
		}
	}
}

func mustSignElsewhere(t *testing.T) string {
	t.Helper()
	other, err := New(Config{
		Secret: []byte("ffffffffffffffffffffffffffffffff"),
		Issuer: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer other.Close()
	token, _, err := other.Issue(testPayload())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func TestVerify_ExpiredToken(t *testing.T) {
	now := time.Now()
	clock := &now
	a, err := New(Config{
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:    "test",
		AccessTTL: time.Minute,
		Now:       func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	token, _, err := a.Issue(testPayload())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	later := now.Add(2 * time.Minute)
	clock = &later
	if _, err := a.Verify(token); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("expired token: err = %v, want auth error", err)
	}
}

func TestRefresh_RotatesAndRejectsReplay(t *testing.T) {
	a := newTestAuthority(t)

	pair1, err := a.IssuePair(testPayload())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	pair2, err := a.Refresh(pair1.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if pair2.AccessToken == pair1.AccessToken || pair2.RefreshToken == pair1.RefreshToken {
		t.Fatal("refresh did not rotate tokens")
	}

	// Replaying the consumed refresh token must fail unconditionally.
	if _, err := a.Refresh(pair1.RefreshToken); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("replay: err = %v, want auth error", err)
	}

	// The freshly rotated token still works.
	if _, err := a.Refresh(pair2.RefreshToken); err != nil {
		t.Fatalf("refresh with rotated token: %v", err)
	}
}

// Concurrent refreshes of one token must rotate it exactly once: the
// jti is consumed atomically, so every racer but one gets an auth
// error.
func TestRefresh_ConcurrentUseRotatesOnce(t *testing.T) {
	a := newTestAuthority(t)

	pair, err := a.IssuePair(testPayload())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Refresh(pair.RefreshToken); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("successful refreshes = %d, want exactly 1", got)
	}
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	a := newTestAuthority(t)

	pair, err := a.IssuePair(testPayload())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := a.Refresh(pair.AccessToken); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("refresh with access token: err = %v, want auth error", err)
	}
}

func TestVerify_TokenVersionMismatchInvalidates(t *testing.T) {
	version := 1
	a, err := New(Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Issuer: "test",
		CurrentTokenVersion: func(userID string) (int, bool) {
			return version, true
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	token, _, err := a.Issue(testPayload())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := a.Verify(token); err != nil {
		t.Fatalf("Verify before bump: %v", err)
	}

	// Credential change bumps the version; all outstanding tokens die.
	version = 2
	if _, err := a.Verify(token); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("Verify after bump: err = %v, want auth error", err)
	}
	// And stays dead even if the version is rolled back.
	version = 1
	if _, err := a.Verify(token); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("Verify after rollback: err = %v, want auth error", err)
	}
}

func TestInvalidate_PurgesVerificationCache(t *testing.T) {
	a := newTestAuthority(t)

	token, _, err := a.Issue(testPayload())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	before := a.IssuedCount()
	if err := a.Invalidate(token); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if got := a.IssuedCount(); got != before-1 {
		t.Fatalf("issued count = %d, want %d", got, before-1)
	}
	if _, err := a.Verify(token); fault.CategoryOf(err) != fault.CategoryAuth {
		t.Fatalf("Verify after invalidate: err = %v, want auth error", err)
	}
}

func TestNew_RejectsShortSecret(t *testing.T) {
	if _, err := New(Config{Secret: []byte("short")}); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("err = %v, want short-secret error", err)
	}
}
