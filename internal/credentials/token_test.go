package credentials

import (
	"errors"
	"testing"
	"time"

	"github.com/mr-tron/base58/base58"
)

func TestAuthTokenRoundtripAndExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := newTestAuthority(WithClock(func() time.Time { return now }), WithTokenTTL(time.Minute))
	if err := a.IssueCredentials(1, []string{"vehicle"}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	token, err := a.GenerateAuthToken(1)
	if err != nil {
		t.Fatalf("generate token failed: %v", err)
	}
	raw, err := base58.Decode(token)
	if err != nil {
		t.Fatalf("token is not base58: %v", err)
	}
	if len(raw) != tokenSize {
		t.Fatalf("unexpected decoded token length %d", len(raw))
	}
	if err := a.VerifyAuthToken(1, token); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := a.VerifyAuthToken(1, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthTokenBoundToNodeAndKey(t *testing.T) {
	a := newTestAuthority()
	for _, id := range []int{1, 2} {
		if err := a.IssueCredentials(id, nil); err != nil {
			t.Fatalf("issue failed: %v", err)
		}
	}
	token, err := a.GenerateAuthToken(1)
	if err != nil {
		t.Fatalf("generate token failed: %v", err)
	}
	if err := a.VerifyAuthToken(2, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for another node, got %v", err)
	}

	tampered := []byte(token)
	last := len(tampered) - 1
	if tampered[last] == '2' {
		tampered[last] = '3'
	} else {
		tampered[last] = '2'
	}
	if err := a.VerifyAuthToken(1, string(tampered)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}
	// 0, O, I and l are outside the base58 alphabet.
	for _, bad := range []string{"", "0OIl", token + "0", "not-base58"} {
		if err := a.VerifyAuthToken(1, bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", bad, err)
		}
	}
	if err := a.VerifyAuthToken(1, base58.Encode([]byte("too short"))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for short token, got %v", err)
	}

	// Reissuing rotates the master key and invalidates outstanding tokens.
	if err := a.IssueCredentials(1, nil); err != nil {
		t.Fatalf("reissue failed: %v", err)
	}
	if err := a.VerifyAuthToken(1, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after reissue, got %v", err)
	}
	if _, err := a.GenerateAuthToken(3); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestAuthTokenIssuedInTheFutureIsRejected(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAuthority(WithClock(func() time.Time { return now }), WithTokenTTL(time.Minute))
	if err := a.IssueCredentials(1, nil); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	token, err := a.GenerateAuthToken(1)
	if err != nil {
		t.Fatalf("generate token failed: %v", err)
	}

	// Clock steps back an hour: the token now claims a future issue time.
	now = now.Add(-time.Hour)
	if err := a.VerifyAuthToken(1, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for future token, got %v", err)
	}

	now = now.Add(time.Hour + 30*time.Second)
	if err := a.VerifyAuthToken(1, token); err != nil {
		t.Fatalf("verify failed once the clock caught up: %v", err)
	}
}
