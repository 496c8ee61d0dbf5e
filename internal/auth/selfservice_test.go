package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/password"
)

const newStrongPassword = "N3w!Secur3Phr@se77"

func TestChangePasswordRequiresCurrent(t *testing.T) {
	f := newFixture(t)
	user, _ := f.createUser(t, "user@example.com", false)
	ctx := context.Background()

	err := f.svc.ChangePassword(ctx, user.ID, "wrong", newStrongPassword, audit.RequestInfo{})
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	var row models.AuditLog
	if err := f.db.Where("action = ?", audit.ActionPasswordChangeFailed).First(&row).Error; err != nil {
		t.Fatalf("expected failure audit row: %v", err)
	}

	if err := f.svc.ChangePassword(ctx, user.ID, strongPassword, newStrongPassword, audit.RequestInfo{}); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// the old password is dead, the new one logs in
	if _, err := f.svc.Authenticate(ctx, Credentials{Email: user.Email, Password: strongPassword}, audit.RequestInfo{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, Credentials{Email: user.Email, Password: newStrongPassword}, audit.RequestInfo{}); err != nil {
		t.Fatalf("new password must log in: %v", err)
	}
	var changedRow models.AuditLog
	if err := f.db.Where("action = ?", audit.ActionPasswordChanged).First(&changedRow).Error; err != nil {
		t.Fatalf("expected change audit row: %v", err)
	}
}

func TestChangePasswordRejectsReuse(t *testing.T) {
	f := newFixture(t)
	user, _ := f.createUser(t, "user@example.com", false)

	err := f.svc.ChangePassword(context.Background(), user.ID, strongPassword, strongPassword, audit.RequestInfo{})
	if !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("expected ErrPasswordReuse, got %v", err)
	}
}

func TestChangePasswordEnforcesPolicy(t *testing.T) {
	f := newFixture(t)
	user, _ := f.createUser(t, "user@example.com", false)

	err := f.svc.ChangePassword(context.Background(), user.ID, strongPassword, "short", audit.RequestInfo{})
	var policyErr *password.PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
}

func TestEnable2FAFullCycle(t *testing.T) {
	f := newFixture(t)
	user, _ := f.createUser(t, "user@example.com", false)
	ctx := context.Background()

	setup, err := f.svc.Enable2FA(ctx, user.ID, audit.RequestInfo{})
	if err != nil {
		t.Fatalf("Enable2FA failed: %v", err)
	}
	if !strings.HasPrefix(setup.QRCode, "data:image/png;base64,") {
		t.Fatalf("expected data-URI QR code, got %q", setup.QRCode[:20])
	}

	// staged, not yet enabled
	var staged models.User
	if err := f.db.First(&staged, user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if staged.TwoFactorEnabled || staged.TwoFactorSecret != setup.Secret {
		t.Fatalf("secret must be staged without enabling, got enabled=%v", staged.TwoFactorEnabled)
	}

	if _, err := f.svc.ConfirmEnable2FA(ctx, user.ID, "000000", audit.RequestInfo{}); !errors.Is(err, ErrInvalid2FACode) {
		t.Fatalf("expected ErrInvalid2FACode, got %v", err)
	}

	code, err := f.totp.CodeAt(setup.Secret, f.now)
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	codes, err := f.svc.ConfirmEnable2FA(ctx, user.ID, code, audit.RequestInfo{})
	if err != nil {
		t.Fatalf("ConfirmEnable2FA failed: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(codes))
	}

	result, err := f.svc.Authenticate(ctx, Credentials{Email: user.Email, Password: strongPassword}, audit.RequestInfo{})
	if err != nil || !result.Requires2FA {
		t.Fatalf("login must now require 2FA, got %+v err %v", result, err)
	}
}

func TestEnable2FAGuards(t *testing.T) {
	f := newFixture(t)
	enabled, _ := f.createUser(t, "enabled@example.com", true)
	fresh, _ := f.createUser(t, "fresh@example.com", false)
	ctx := context.Background()

	if _, err := f.svc.Enable2FA(ctx, enabled.ID, audit.RequestInfo{}); !errors.Is(err, ErrTwoFactorEnabled) {
		t.Fatalf("expected ErrTwoFactorEnabled, got %v", err)
	}
	if _, err := f.svc.ConfirmEnable2FA(ctx, fresh.ID, "123456", audit.RequestInfo{}); !errors.Is(err, ErrTwoFactorNotStaged) {
		t.Fatalf("expected ErrTwoFactorNotStaged, got %v", err)
	}
	if _, err := f.svc.Enable2FA(ctx, 9999, audit.RequestInfo{}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDisable2FAClearsEverything(t *testing.T) {
	f := newFixture(t)
	user, _ := f.createUser(t, "user@example.com", true)
	ctx := context.Background()

	err := f.svc.Disable2FA(ctx, user.ID, "wrong", "", audit.RequestInfo{})
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	var row models.AuditLog
	if err := f.db.Where("action = ?", audit.ActionTwoFactorDisableFailed).First(&row).Error; err != nil {
		t.Fatalf("expected failure audit row: %v", err)
	}

	code, err := f.totp.CodeAt(user.TwoFactorSecret, f.now)
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	if err := f.svc.Disable2FA(ctx, user.ID, strongPassword, code, audit.RequestInfo{}); err != nil {
		t.Fatalf("Disable2FA failed: %v", err)
	}

	var reloaded models.User
	if err := f.db.First(&reloaded, user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if reloaded.TwoFactorEnabled || reloaded.TwoFactorSecret != "" || reloaded.BackupCodes != "" {
		t.Fatalf("secret and backup codes must be cleared entirely, got %+v", reloaded)
	}

	// password alone logs in again
	result, err := f.svc.Authenticate(ctx, Credentials{Email: user.Email, Password: strongPassword}, audit.RequestInfo{})
	if err != nil || result.Requires2FA {
		t.Fatalf("expected direct session after disable, got %+v err %v", result, err)
	}
}

func TestRegenerateBackupCodesInvalidatesOld(t *testing.T) {
	f := newFixture(t)
	user, oldCodes := f.createUser(t, "user@example.com", true)
	plain, _ := f.createUser(t, "plain@example.com", false)
	ctx := context.Background()

	if _, err := f.svc.RegenerateBackupCodes(ctx, plain.ID, audit.RequestInfo{}); !errors.Is(err, ErrTwoFactorNotEnabled) {
		t.Fatalf("expected ErrTwoFactorNotEnabled, got %v", err)
	}

	newCodes, err := f.svc.RegenerateBackupCodes(ctx, user.ID, audit.RequestInfo{})
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(newCodes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(newCodes))
	}

	creds := Credentials{Email: user.Email, Password: strongPassword, BackupCode: oldCodes[0]}
	if _, err := f.svc.Authenticate(ctx, creds, audit.RequestInfo{}); !errors.Is(err, ErrInvalid2FACode) {
		t.Fatalf("old backup code must be dead, got %v", err)
	}

	creds.BackupCode = newCodes[0]
	if _, err := f.svc.Authenticate(ctx, creds, audit.RequestInfo{}); err != nil {
		t.Fatalf("fresh backup code must log in: %v", err)
	}
}
