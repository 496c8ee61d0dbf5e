package otpflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/password"
)

var (
	ErrOTPNotFound        = errors.New("no pending verification code")
	ErrOTPExpired         = errors.New("verification code expired")
	ErrOTPMismatch        = errors.New("incorrect verification code")
	ErrOTPTooManyAttempts = errors.New("too many incorrect attempts")
)

// MismatchError carries the remaining attempt budget alongside
// ErrOTPMismatch so handlers can surface it.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("incorrect verification code, %d attempts remaining", e.Remaining)
}

func (e *MismatchError) Is(target error) bool { return target == ErrOTPMismatch }

// Service implements the shared issue/verify cycle behind bootstrap,
// password reset and invitations: one active code per (email, purpose),
// a fixed expiry, a small attempt budget and single use.
type Service struct {
	db          *gorm.DB
	expiry      time.Duration
	maxAttempts int
	now         func() time.Time
}

func New(db *gorm.DB, expiry time.Duration, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{db: db, expiry: expiry, maxAttempts: maxAttempts, now: time.Now}
}

// Issue generates a fresh code for (email, purpose), superseding any
// earlier unused codes so only the newest is ever valid.
func (s *Service) Issue(ctx context.Context, email, purpose string) (string, error) {
	code, err := password.GenerateOTP()
	if err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email = ? AND purpose = ? AND used = ?", email, purpose, false).
			Delete(&models.OTPCode{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.OTPCode{
			Email:     email,
			Code:      code,
			Purpose:   purpose,
			ExpiresAt: s.now().Add(s.expiry),
		}).Error
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Verify consumes the pending code for (email, purpose). Expired or
// exhausted codes are deleted so a later Issue starts clean; a mismatch
// burns one attempt. The verification outcome is carried outside the
// transaction: a failed verification must still commit its bookkeeping
// writes, or the attempt budget never shrinks.
func (s *Service) Verify(ctx context.Context, email, purpose, code string) error {
	var outcome error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome = nil
		var row models.OTPCode
		err := tx.Where("email = ? AND purpose = ? AND used = ?", email, purpose, false).
			Order("created_at DESC, id DESC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = ErrOTPNotFound
			return nil
		}
		if err != nil {
			return err
		}

		if s.now().After(row.ExpiresAt) {
			outcome = ErrOTPExpired
			return tx.Delete(&row).Error
		}

		if row.Attempts >= s.maxAttempts {
			outcome = ErrOTPTooManyAttempts
			return tx.Delete(&row).Error
		}

		if row.Code != code {
			row.Attempts++
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
			if remaining := s.maxAttempts - row.Attempts; remaining > 0 {
				outcome = &MismatchError{Remaining: remaining}
			} else {
				outcome = ErrOTPTooManyAttempts
			}
			return nil
		}

		row.Used = true
		return tx.Save(&row).Error
	})
	if err != nil {
		return err
	}
	return outcome
}
