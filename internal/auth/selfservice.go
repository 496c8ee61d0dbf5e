package auth

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/password"
	"github.com/apistudio/server/internal/totp"
)

var (
	ErrWrongPassword       = errors.New("current password is incorrect")
	ErrPasswordReuse       = errors.New("new password must be different from the current password")
	ErrTwoFactorEnabled    = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorNotEnabled = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorNotStaged  = errors.New("two-factor setup has not been started")
	ErrUserNotFound        = errors.New("user not found")
)

func (s *Service) loadUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ChangePassword verifies the current password before accepting the new
// one. A reused password is rejected so a forced change actually changes
// something.
func (s *Service) ChangePassword(ctx context.Context, userID uint, current, next string, req audit.RequestInfo) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	if !s.hasher.Verify(current, user.PasswordHash) {
		s.audits.LogSecurity(ctx, &user.ID, audit.ActionPasswordChangeFailed, map[string]any{
			"reason": "invalid_current_password",
		}, req)
		return ErrWrongPassword
	}
	if err := password.CheckPolicy(next); err != nil {
		return err
	}
	if s.hasher.Verify(next, user.PasswordHash) {
		return ErrPasswordReuse
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"password_hash":            hash,
		"requires_password_change": false,
	}).Error
	if err != nil {
		return err
	}

	s.audits.LogSecurity(ctx, &user.ID, audit.ActionPasswordChanged, nil, req)
	return nil
}

// TwoFASetup is the staged enrollment returned by Enable2FA. The secret
// is stored on the account but 2FA stays off until ConfirmEnable2FA
// proves the authenticator works.
type TwoFASetup struct {
	QRCode string `json:"qr_code"`
	Secret string `json:"secret"`
}

// Enable2FA stages two-factor enrollment for an account that does not
// have it yet.
func (s *Service) Enable2FA(ctx context.Context, userID uint, req audit.RequestInfo) (*TwoFASetup, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	qr, err := s.totp.QRCodeDataURI(secret, user.Email)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("two_factor_secret", secret).Error; err != nil {
		return nil, err
	}

	s.audits.LogSecurity(ctx, &user.ID, audit.ActionTwoFactorSetupStarted, nil, req)
	return &TwoFASetup{QRCode: qr, Secret: secret}, nil
}

// ConfirmEnable2FA verifies a code from the staged authenticator, turns
// 2FA on and returns the fresh backup codes, the only plaintext copy that
// will ever exist.
func (s *Service) ConfirmEnable2FA(ctx context.Context, userID uint, totpCode string, req audit.RequestInfo) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}
	if user.TwoFactorSecret == "" {
		return nil, ErrTwoFactorNotStaged
	}

	ok, err := s.totp.VerifyCode(user.TwoFactorSecret, totpCode, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		s.audits.LogSecurity(ctx, &user.ID, audit.ActionTwoFactorSetupStarted, map[string]any{
			"reason": "invalid_totp_code",
		}, req)
		return nil, ErrInvalid2FACode
	}

	codes, column, err := s.freshBackupCodes()
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"two_factor_enabled": true,
		"backup_codes":       column,
	}).Error
	if err != nil {
		return nil, err
	}

	s.audits.LogSecurity(ctx, &user.ID, audit.ActionTwoFactorEnabled, map[string]any{
		"email": user.Email,
	}, req)
	return codes, nil
}

// Disable2FA clears the secret and every backup code. The password must
// be re-proven; a TOTP code, when supplied, must also verify.
func (s *Service) Disable2FA(ctx context.Context, userID uint, pw, totpCode string, req audit.RequestInfo) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if !s.hasher.Verify(pw, user.PasswordHash) {
		s.audits.LogSecurity(ctx, &user.ID, audit.ActionTwoFactorDisableFailed, map[string]any{
			"reason": "invalid_password",
		}, req)
		return ErrWrongPassword
	}
	if totpCode != "" {
		ok, err := s.totp.VerifyCode(user.TwoFactorSecret, totpCode, s.now())
		if err != nil {
			return err
		}
		if !ok {
			s.audits.LogSecurity(ctx, &user.ID, audit.ActionTwoFactorDisableFailed, map[string]any{
				"reason": "invalid_totp_code",
			}, req)
			return ErrInvalid2FACode
		}
	}

	err = s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"two_factor_enabled": false,
		"two_factor_secret":  "",
		"backup_codes":       "",
	}).Error
	if err != nil {
		return err
	}

	s.audits.LogSecurity(ctx, &user.ID, audit.ActionTwoFactorDisabled, map[string]any{
		"email": user.Email,
	}, req)
	return nil
}

// RegenerateBackupCodes replaces the whole set; any code issued earlier
// is dead the moment this returns.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uint, req audit.RequestInfo) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	codes, column, err := s.freshBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("backup_codes", column).Error; err != nil {
		return nil, err
	}

	s.audits.LogSecurity(ctx, &user.ID, audit.ActionBackupCodesGenerated, map[string]any{
		"count": len(codes),
	}, req)
	return codes, nil
}

// freshBackupCodes returns display-formatted plaintext codes and the
// encoded hashed column value.
func (s *Service) freshBackupCodes() ([]string, string, error) {
	raw, err := totp.GenerateBackupCodes(s.cfg.Security.BackupCodeCount, s.cfg.Security.BackupCodeLength)
	if err != nil {
		return nil, "", err
	}
	records, err := totp.HashBackupCodes(raw)
	if err != nil {
		return nil, "", err
	}
	column, err := totp.EncodeBackupCodes(records)
	if err != nil {
		return nil, "", err
	}
	display := make([]string, len(raw))
	for i, code := range raw {
		display[i] = totp.FormatForDisplay(code)
	}
	return display, column, nil
}
