package otpflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apistudio/server/internal/models"
)

func testService(t *testing.T) (*Service, *time.Time) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.OTPCode{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	svc := New(db, 10*time.Minute, 3)
	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestIssueVerifyHappyPath(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "a@b.c", "bootstrap")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}
	if err := svc.Verify(ctx, "a@b.c", "bootstrap", code); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestVerifyIsSingleUse(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	code, _ := svc.Issue(ctx, "a@b.c", "bootstrap")
	if err := svc.Verify(ctx, "a@b.c", "bootstrap", code); err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	if err := svc.Verify(ctx, "a@b.c", "bootstrap", code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("replay must fail with ErrOTPNotFound, got %v", err)
	}
}

func TestReissueSupersedesOldCode(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	first, _ := svc.Issue(ctx, "a@b.c", "bootstrap")
	second, err := svc.Issue(ctx, "a@b.c", "bootstrap")
	if err != nil {
		t.Fatalf("second Issue failed: %v", err)
	}

	if first != second {
		if err := svc.Verify(ctx, "a@b.c", "bootstrap", first); err == nil {
			t.Fatal("superseded code must not verify")
		}
	}
	// superseded rows are gone, so the failed attempt above cannot have
	// burned the new code's budget
	if err := svc.Verify(ctx, "a@b.c", "bootstrap", second); err != nil {
		t.Fatalf("newest code should verify: %v", err)
	}
}

func TestVerifyExpiredCodeDeletesRow(t *testing.T) {
	svc, now := testService(t)
	ctx := context.Background()

	code, _ := svc.Issue(ctx, "a@b.c", "forgot_password")
	*now = now.Add(11 * time.Minute)

	if err := svc.Verify(ctx, "a@b.c", "forgot_password", code); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired, got %v", err)
	}
	if err := svc.Verify(ctx, "a@b.c", "forgot_password", code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expired row should be deleted, got %v", err)
	}
}

func TestVerifyMismatchBurnsAttempts(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	code, _ := svc.Issue(ctx, "a@b.c", "invitation")

	err := svc.Verify(ctx, "a@b.c", "invitation", "000000")
	if !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) || mismatch.Remaining != 2 {
		t.Fatalf("expected 2 remaining, got %v", err)
	}

	if err := svc.Verify(ctx, "a@b.c", "invitation", "000000"); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := svc.Verify(ctx, "a@b.c", "invitation", "000000"); !errors.Is(err, ErrOTPTooManyAttempts) {
		t.Fatalf("expected ErrOTPTooManyAttempts, got %v", err)
	}
	// even the right code is dead once the budget is gone
	if err := svc.Verify(ctx, "a@b.c", "invitation", code); !errors.Is(err, ErrOTPTooManyAttempts) {
		t.Fatalf("exhausted code must stay dead, got %v", err)
	}
}

func TestVerifyMismatchCommitsCounter(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	svc.Issue(ctx, "a@b.c", "invitation")
	if err := svc.Verify(ctx, "a@b.c", "invitation", "000000"); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	// the burned attempt must survive the failed verification
	var row models.OTPCode
	if err := svc.db.Where("email = ?", "a@b.c").First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Attempts != 1 {
		t.Fatalf("expected 1 persisted attempt, got %d", row.Attempts)
	}
}

func TestPurposesAreIsolated(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	bootstrapCode, _ := svc.Issue(ctx, "a@b.c", "bootstrap")
	if err := svc.Verify(ctx, "a@b.c", "forgot_password", bootstrapCode); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("code must not cross purposes, got %v", err)
	}
	if err := svc.Verify(ctx, "other@b.c", "bootstrap", bootstrapCode); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("code must not cross emails, got %v", err)
	}
	if err := svc.Verify(ctx, "a@b.c", "bootstrap", bootstrapCode); err != nil {
		t.Fatalf("original pairing should verify: %v", err)
	}
}
