package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/otpflow"
	"github.com/apistudio/server/internal/password"
	"github.com/apistudio/server/internal/rbac"
	"github.com/apistudio/server/internal/token"
	"github.com/apistudio/server/internal/totp"
)

// ErrInvalidCredentials deliberately covers unknown emails and wrong
// passwords alike; the distinction only exists in the audit log.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrAccountLocked        = errors.New("account temporarily locked")
	ErrAccountInactive      = errors.New("account is not active")
	ErrInvalid2FACode       = errors.New("invalid two-factor code")
	ErrPasswordMismatch     = errors.New("passwords do not match")
	ErrRegistrationDisabled = errors.New("registration is disabled")
	ErrUserExists           = errors.New("an account with this email already exists")
)

type mailInterface interface {
	SendOTP(ctx context.Context, to, otp, purpose string) error
	SendPasswordResetConfirmation(ctx context.Context, to string) error
}

// Service implements login, two-factor verification and the password
// reset cycle.
type Service struct {
	db     *gorm.DB
	cfg    *config.Config
	hasher *password.Hasher
	totp   *totp.Manager
	tokens *token.Manager
	otp    *otpflow.Service
	mailer mailInterface
	audits *audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

func NewService(
	db *gorm.DB,
	cfg *config.Config,
	hasher *password.Hasher,
	totpMgr *totp.Manager,
	tokens *token.Manager,
	otp *otpflow.Service,
	mailer mailInterface,
	audits *audit.Recorder,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		cfg:    cfg,
		hasher: hasher,
		totp:   totpMgr,
		tokens: tokens,
		otp:    otp,
		mailer: mailer,
		audits: audits,
		logger: logger,
		now:    time.Now,
	}
}

// Credentials is one login attempt. TOTPCode and BackupCode are both
// optional; when the account has 2FA enabled exactly one must be set to
// complete the login.
type Credentials struct {
	Email      string
	Password   string
	TOTPCode   string
	BackupCode string
}

// LoginResult carries either a session token or the requires-2FA signal.
type LoginResult struct {
	Token       string
	Requires2FA bool
	User        *models.User
	TwoFAMethod string
}

// Authenticate runs the full login ladder. Failure reasons are collapsed
// into generic errors for the caller but preserved in the audit log.
func (s *Service) Authenticate(ctx context.Context, creds Credentials, req audit.RequestInfo) (*LoginResult, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", creds.Email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.audits.LogAuthentication(ctx, creds.Email, audit.ActionLoginFailed, false,
			map[string]any{"reason": "invalid_email"}, req)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if user.LockedUntil != nil && user.LockedUntil.After(s.now()) {
		s.audits.LogAuthentication(ctx, creds.Email, audit.ActionLoginFailed, false,
			map[string]any{"reason": "account_locked"}, req)
		return nil, ErrAccountLocked
	}

	if user.Status != models.StatusActive {
		s.audits.LogAuthentication(ctx, creds.Email, audit.ActionLoginFailed, false,
			map[string]any{"reason": "account_inactive", "status": user.Status}, req)
		return nil, ErrAccountInactive
	}

	if !s.hasher.Verify(creds.Password, user.PasswordHash) {
		return nil, s.recordFailedAttempt(ctx, &user, "invalid_password", req)
	}

	if user.TwoFactorEnabled {
		if creds.TOTPCode == "" && creds.BackupCode == "" {
			return &LoginResult{Requires2FA: true}, nil
		}

		method, err := s.verifySecondFactor(ctx, &user, creds, req)
		if err != nil {
			return nil, err
		}
		return s.completeLogin(ctx, &user, method, req)
	}

	return s.completeLogin(ctx, &user, "", req)
}

func (s *Service) verifySecondFactor(ctx context.Context, user *models.User, creds Credentials, req audit.RequestInfo) (string, error) {
	if creds.TOTPCode != "" {
		ok, err := s.totp.VerifyCode(user.TwoFactorSecret, creds.TOTPCode, s.now())
		if err != nil {
			return "", err
		}
		if !ok {
			if err := s.recordFailedAttempt(ctx, user, "invalid_totp", req); err != nil && !errors.Is(err, ErrInvalidCredentials) {
				return "", err
			}
			return "", ErrInvalid2FACode
		}
		return "totp", nil
	}

	records, err := totp.DecodeBackupCodes(user.BackupCodes)
	if err != nil {
		return "", err
	}
	updated, err := totp.ConsumeBackupCode(records, creds.BackupCode)
	if err != nil {
		if recordErr := s.recordFailedAttempt(ctx, user, "invalid_backup_code", req); recordErr != nil && !errors.Is(recordErr, ErrInvalidCredentials) {
			return "", recordErr
		}
		return "", ErrInvalid2FACode
	}

	column, err := totp.EncodeBackupCodes(updated)
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("backup_codes", column).Error; err != nil {
		return "", err
	}
	user.BackupCodes = column

	s.audits.LogSecurity(ctx, &user.ID, audit.ActionBackupCodeUsed, map[string]any{
		"email":     user.Email,
		"remaining": totp.UnusedCount(updated),
	}, req)
	return "backup_code", nil
}

// recordFailedAttempt increments the per-account counter and locks the
// account at the threshold. The returned error is what the caller should
// surface.
func (s *Service) recordFailedAttempt(ctx context.Context, user *models.User, reason string, req audit.RequestInfo) error {
	user.FailedLoginAttempts++
	updates := map[string]any{"failed_login_attempts": user.FailedLoginAttempts}

	locked := user.FailedLoginAttempts >= s.cfg.Security.MaxFailedLogins
	if locked {
		until := s.now().Add(s.cfg.LockoutDuration())
		user.LockedUntil = &until
		updates["locked_until"] = until
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return err
	}

	if locked {
		s.audits.LogAuthentication(ctx, user.Email, audit.ActionAccountLocked, false, map[string]any{
			"reason":   reason,
			"attempts": user.FailedLoginAttempts,
		}, req)
	} else {
		s.audits.LogAuthentication(ctx, user.Email, audit.ActionLoginFailed, false, map[string]any{
			"reason":   reason,
			"attempts": user.FailedLoginAttempts,
		}, req)
	}
	return ErrInvalidCredentials
}

func (s *Service) completeLogin(ctx context.Context, user *models.User, twoFAMethod string, req audit.RequestInfo) (*LoginResult, error) {
	now := s.now()
	err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"failed_login_attempts": 0,
		"locked_until":          nil,
		"last_login_at":         now,
	}).Error
	if err != nil {
		return nil, err
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now

	sessionToken, err := s.tokens.CreateSession(user.ID, user.Email, user.Role, user.Name, s.cfg.SessionTTL())
	if err != nil {
		return nil, err
	}

	details := map[string]any{}
	if twoFAMethod != "" {
		details["2fa_used"] = twoFAMethod
	}
	s.audits.LogAuthentication(ctx, user.Email, audit.ActionLoginSuccess, true, details, req)

	return &LoginResult{Token: sessionToken, User: user, TwoFAMethod: twoFAMethod}, nil
}

// InitiateReset always reports success so callers cannot probe which
// emails have accounts. The OTP is only created and sent when an active
// account exists.
func (s *Service) InitiateReset(ctx context.Context, email string, req audit.RequestInfo) error {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && user.Status != models.StatusActive) {
		s.audits.LogAuthentication(ctx, email, audit.ActionPasswordResetRequested, false,
			map[string]any{"user_exists": err == nil}, req)
		return nil
	}
	if err != nil {
		return err
	}

	code, err := s.otp.Issue(ctx, email, models.OTPPurposeReset)
	if err != nil {
		return err
	}
	if err := s.mailer.SendOTP(ctx, email, code, models.OTPPurposeReset); err != nil {
		s.logger.Warn("password reset mail failed", zap.Error(err))
		return err
	}

	s.audits.LogAuthentication(ctx, email, audit.ActionPasswordResetRequested, true, nil, req)
	return nil
}

// VerifyResetOTP consumes the reset code and returns the reset token.
func (s *Service) VerifyResetOTP(ctx context.Context, email, code string) (string, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if user.Status != models.StatusActive {
		return "", ErrAccountInactive
	}

	if err := s.otp.Verify(ctx, email, models.OTPPurposeReset, code); err != nil {
		return "", err
	}

	return s.tokens.CreateReset(user.ID, user.Email, s.cfg.ResetTTL())
}

// ResetPassword completes the cycle. A successful reset clears any
// lockout and the forced-change flag; the confirmation email is best
// effort.
func (s *Service) ResetPassword(ctx context.Context, resetToken, pw, confirm string, req audit.RequestInfo) error {
	claims, err := s.tokens.VerifyReset(resetToken)
	if err != nil {
		return err
	}

	var user models.User
	err = s.db.WithContext(ctx).First(&user, claims.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if user.Status != models.StatusActive {
		return ErrAccountInactive
	}

	if pw != confirm {
		return ErrPasswordMismatch
	}
	if err := password.CheckPolicy(pw); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(pw)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"password_hash":            hash,
		"requires_password_change": false,
		"failed_login_attempts":    0,
		"locked_until":             nil,
	}).Error
	if err != nil {
		return err
	}

	if err := s.mailer.SendPasswordResetConfirmation(ctx, user.Email); err != nil {
		s.logger.Warn("reset confirmation mail failed", zap.String("email", user.Email), zap.Error(err))
	}

	s.audits.LogAuthentication(ctx, user.Email, audit.ActionPasswordResetCompleted, true, nil, req)
	return nil
}

// Register creates a viewer account directly, the legacy open
// registration path. Hosted deployments normally keep it disabled.
func (s *Service) Register(ctx context.Context, username, email, pw, name string, req audit.RequestInfo) (*LoginResult, error) {
	if !s.cfg.Security.RegistrationEnabled {
		return nil, ErrRegistrationDisabled
	}
	if err := password.CheckPolicy(pw); err != nil {
		return nil, err
	}

	var existing models.User
	err := s.db.WithContext(ctx).Where("email = ? OR username = ?", email, username).First(&existing).Error
	if err == nil {
		return nil, ErrUserExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(pw)
	if err != nil {
		return nil, err
	}
	user := models.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         string(rbac.RoleViewer),
		Status:       models.StatusActive,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	s.audits.LogAuthentication(ctx, email, audit.ActionUserRegistered, true, nil, req)
	return s.completeLogin(ctx, &user, "", req)
}

// PermissionsFor returns the profile capability list for a role, the
// base self-service entries plus the role grants, layered so each role
// includes everything below it.
func PermissionsFor(role rbac.Role) []string {
	perms := []string{"read_own_profile", "update_own_profile"}
	for _, p := range rbac.Permissions(role) {
		perms = append(perms, string(p))
	}
	return perms
}
