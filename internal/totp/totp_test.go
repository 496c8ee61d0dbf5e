package totp

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateSecretBase32NoPadding(t *testing.T) {
	m := NewManager("API Studio")
	secret, err := m.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if strings.Contains(secret, "=") {
		t.Fatalf("secret must not contain padding: %s", secret)
	}
	if len(secret) != 32 {
		t.Fatalf("expected 32 base32 chars for 20 bytes, got %d", len(secret))
	}
}

func TestProvisioningURIShape(t *testing.T) {
	m := NewManager("API Studio")
	uri := m.ProvisioningURI("JBSWY3DPEHPK3PXP", "admin@example.com")

	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Fatalf("unexpected scheme: %s", uri)
	}
	for _, want := range []string{"secret=JBSWY3DPEHPK3PXP", "issuer=API+Studio", "period=30", "digits=6"} {
		if !strings.Contains(uri, want) {
			t.Fatalf("uri missing %q: %s", want, uri)
		}
	}
}

func TestVerifyCodeAcceptsCurrentAndSkewedSteps(t *testing.T) {
	m := NewManager("API Studio")
	secret, err := m.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	for _, offset := range []time.Duration{0, -30 * time.Second, 30 * time.Second} {
		code, err := m.CodeAt(secret, now.Add(offset))
		if err != nil {
			t.Fatalf("CodeAt failed: %v", err)
		}
		ok, err := m.VerifyCode(secret, code, now)
		if err != nil {
			t.Fatalf("VerifyCode failed: %v", err)
		}
		if !ok {
			t.Fatalf("code at offset %v should verify", offset)
		}
	}

	stale, err := m.CodeAt(secret, now.Add(-2*30*time.Second))
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	currentCode, _ := m.CodeAt(secret, now)
	if stale != currentCode {
		ok, err := m.VerifyCode(secret, stale, now)
		if err != nil {
			t.Fatalf("VerifyCode failed: %v", err)
		}
		if ok {
			t.Fatal("code two steps old must not verify")
		}
	}
}

func TestVerifyCodeRejectsMalformedInput(t *testing.T) {
	m := NewManager("API Studio")
	secret, err := m.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	for _, code := range []string{"", "12345", "1234567", "12a456", "......"} {
		ok, err := m.VerifyCode(secret, code, time.Now())
		if err != nil {
			t.Fatalf("VerifyCode(%q) errored: %v", code, err)
		}
		if ok {
			t.Fatalf("malformed code %q must not verify", code)
		}
	}
}

func TestVerifyCodeEmptySecret(t *testing.T) {
	m := NewManager("API Studio")
	if _, err := m.VerifyCode("", "123456", time.Now()); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestKnownRFCVector(t *testing.T) {
	// RFC 6238 appendix B, SHA-1 row at T=59s truncated to 6 digits.
	m := NewManager("x")
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	code, err := m.CodeAt(secret, time.Unix(59, 0))
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	if code != "287082" {
		t.Fatalf("expected RFC vector 287082, got %s", code)
	}
}

func TestQRCodeDataURI(t *testing.T) {
	m := NewManager("API Studio")
	uri, err := m.QRCodeDataURI("JBSWY3DPEHPK3PXP", "admin@example.com")
	if err != nil {
		t.Fatalf("QRCodeDataURI failed: %v", err)
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Fatalf("expected png data uri, got prefix %.40s", uri)
	}
}
