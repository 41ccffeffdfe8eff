package auth

import (
	"testing"
	"time"

	"counsel-platform/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		JWTIssuer:       "counsel-platform",
		JWTAudience:     "counsel-api",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 720 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager init: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := testManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pair, err := m.IssuePair(now, "u1", "expert")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u1" || claims.Role != "expert" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerify_RejectsExpired(t *testing.T) {
	m := testManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pair, err := m.IssuePair(now, "u1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Past access TTL plus leeway.
	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(16*time.Minute)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestVerify_RejectsTokenTypeMismatch(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "u1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Verify(pair.RefreshToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected token_type mismatch for refresh-as-access")
	}
	if _, err := m.Verify(pair.AccessToken, TokenTypeRefresh, now); err == nil {
		t.Fatalf("expected token_type mismatch for access-as-refresh")
	}
}

func TestVerify_RefreshTokenHasNoRole(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "u1", "expert")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Verify(pair.RefreshToken, TokenTypeRefresh, now)
	if err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
	if claims.Role != "" {
		t.Fatalf("refresh token must not carry role, got %q", claims.Role)
	}
}

func TestVerify_RejectsTamperedToken(t *testing.T) {
	m := testManager(t)
	other, err := NewManager(config.AuthConfig{
		JWTSecret:       "other-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 720 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager init: %v", err)
	}

	now := time.Now()
	pair, err := other.IssuePair(now, "u1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected signature verification failure")
	}
}
