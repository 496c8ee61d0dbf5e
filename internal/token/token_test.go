package token

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testSecret, "api-studio")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestNewManagerRejectsEmptySecret(t *testing.T) {
	if _, err := NewManager("", "x"); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	m := testManager(t)

	raw, err := m.CreateSession(42, "admin@example.com", "admin", "Admin", time.Hour)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	claims, err := m.VerifySession(raw)
	if err != nil {
		t.Fatalf("VerifySession failed: %v", err)
	}
	if claims.UserID != 42 || claims.Email != "admin@example.com" || claims.Role != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.TokenType != TypeSession {
		t.Fatalf("expected session type, got %s", claims.TokenType)
	}
}

func TestTypeConfusionRejected(t *testing.T) {
	m := testManager(t)

	temp, err := m.CreateTemporary(Claims{Email: "a@b.c", Purpose: "admin_setup"}, time.Hour)
	if err != nil {
		t.Fatalf("CreateTemporary failed: %v", err)
	}
	reset, err := m.CreateReset(1, "a@b.c", time.Hour)
	if err != nil {
		t.Fatalf("CreateReset failed: %v", err)
	}
	session, err := m.CreateSession(1, "a@b.c", "admin", "A", time.Hour)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := m.VerifySession(temp); !errors.Is(err, ErrWrongType) {
		t.Fatalf("temp as session: expected ErrWrongType, got %v", err)
	}
	if _, err := m.VerifySession(reset); !errors.Is(err, ErrWrongType) {
		t.Fatalf("reset as session: expected ErrWrongType, got %v", err)
	}
	if _, err := m.VerifyReset(session); !errors.Is(err, ErrWrongType) {
		t.Fatalf("session as reset: expected ErrWrongType, got %v", err)
	}
	if _, err := m.VerifyTemporary(session, "admin_setup"); !errors.Is(err, ErrWrongType) {
		t.Fatalf("session as temp: expected ErrWrongType, got %v", err)
	}
}

func TestTemporaryPurposeAssertion(t *testing.T) {
	m := testManager(t)

	raw, err := m.CreateTemporary(Claims{Email: "a@b.c", Purpose: "admin_setup", Step: "password_setup"}, time.Hour)
	if err != nil {
		t.Fatalf("CreateTemporary failed: %v", err)
	}

	claims, err := m.VerifyTemporary(raw, "admin_setup")
	if err != nil {
		t.Fatalf("VerifyTemporary failed: %v", err)
	}
	if claims.Step != "password_setup" {
		t.Fatalf("unexpected step: %s", claims.Step)
	}

	if _, err := m.VerifyTemporary(raw, "2fa_setup"); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	m := testManager(t)

	raw, err := m.CreateSession(1, "a@b.c", "viewer", "V", -2*time.Minute)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.VerifySession(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
	if !IsExpired(raw) {
		t.Fatal("IsExpired should report true")
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	m := testManager(t)

	raw, err := m.CreateSession(1, "a@b.c", "viewer", "V", time.Hour)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	tampered := raw[:len(raw)-3] + "xyz"
	if _, err := m.VerifySession(tampered); err == nil {
		t.Fatal("tampered token must not verify")
	}

	other, err := NewManager("another-secret-another-secret-32", "api-studio")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := other.VerifySession(raw); err == nil {
		t.Fatal("token signed with different secret must not verify")
	}
}

func TestUnverifiedIntrospection(t *testing.T) {
	m := testManager(t)

	raw, err := m.CreateReset(7, "a@b.c", time.Hour)
	if err != nil {
		t.Fatalf("CreateReset failed: %v", err)
	}
	if got := TokenType(raw); got != TypeReset {
		t.Fatalf("TokenType = %q, want reset", got)
	}
	if got := TokenType("garbage"); got != "" {
		t.Fatalf("TokenType(garbage) = %q, want empty", got)
	}
	if IsExpired(raw) {
		t.Fatal("fresh token should not be expired")
	}
	if !IsExpired("garbage") {
		t.Fatal("garbage should report expired")
	}
}
