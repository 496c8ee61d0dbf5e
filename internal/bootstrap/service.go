package bootstrap

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
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

var (
	ErrSystemNotLocked  = errors.New("system is already set up")
	ErrSystemLocked     = errors.New("system is locked")
	ErrInvalidToken     = errors.New("invalid bootstrap token")
	ErrSMTPUnavailable  = errors.New("email service unavailable")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrUserExists       = errors.New("an account with this email already exists")
	ErrWrongStatus      = errors.New("account is not awaiting two-factor setup")
	ErrInvalid2FACode   = errors.New("invalid authenticator code")
	ErrUserNotFound     = errors.New("user not found")
)

// Purposes stamped into the temporary tokens between bootstrap steps.
const (
	PurposeAdminSetup = "admin_setup"
	Purpose2FASetup   = "2fa_setup"
)

// Service drives the first-admin setup state machine: locked until an
// active admin exists, then permanently unlocked.
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
}

// mailInterface is the subset of the mailer the bootstrap flow uses.
type mailInterface interface {
	TestConnection(ctx context.Context) error
	SendOTP(ctx context.Context, to, otp, purpose string) error
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
	}
}

// IsLocked reports whether no active administrator exists yet. Every
// mutating bootstrap step re-evaluates this, so the unlock happens at
// most once.
func (s *Service) IsLocked(ctx context.Context) (bool, error) {
	n, err := s.countActiveAdmins(s.db.WithContext(ctx))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Service) countActiveAdmins(tx *gorm.DB) (int64, error) {
	var n int64
	err := tx.Model(&models.User{}).
		Where("role = ? AND status = ?", string(rbac.RoleAdmin), models.StatusActive).
		Count(&n).Error
	return n, err
}

// Status is the public system state.
type Status struct {
	Locked            bool   `json:"locked"`
	AdminExists       bool   `json:"admin_exists"`
	AppMode           string `json:"app_mode"`
	SMTPConfigured    bool   `json:"smtp_configured"`
	RequiresBootstrap bool   `json:"requires_bootstrap"`
}

func (s *Service) SystemStatus(ctx context.Context) (Status, error) {
	locked, err := s.IsLocked(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Locked:            locked,
		AdminExists:       !locked,
		AppMode:           s.cfg.AppMode,
		SMTPConfigured:    s.cfg.SMTP.Host != "",
		RequiresBootstrap: locked && s.cfg.IsHosted(),
	}, nil
}

// Initiate starts admin setup: the deployment token must match, the SMTP
// server must answer a live probe, and only then is an OTP created and
// emailed. Each failure is distinct so the operator can fix their
// deployment, and each is audited.
func (s *Service) Initiate(ctx context.Context, email, bootstrapToken string, req audit.RequestInfo) error {
	locked, err := s.IsLocked(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return ErrSystemNotLocked
	}

	if subtle.ConstantTimeCompare([]byte(bootstrapToken), []byte(s.cfg.Bootstrap.AdminToken)) != 1 {
		s.audits.LogSecurity(ctx, nil, audit.ActionBootstrapInitiated, map[string]any{
			"email":       email,
			"token_valid": false,
		}, req)
		return ErrInvalidToken
	}

	if err := s.mailer.TestConnection(ctx); err != nil {
		s.logger.Warn("bootstrap smtp probe failed", zap.Error(err))
		s.audits.LogSecurity(ctx, nil, audit.ActionBootstrapInitiated, map[string]any{
			"email":       email,
			"token_valid": true,
			"smtp_tested": false,
			"reason":      "smtp_unreachable",
		}, req)
		return fmt.Errorf("%w: %v", ErrSMTPUnavailable, err)
	}

	code, err := s.otp.Issue(ctx, email, models.OTPPurposeBootstrap)
	if err != nil {
		return err
	}
	if err := s.mailer.SendOTP(ctx, email, code, models.OTPPurposeBootstrap); err != nil {
		s.audits.LogSecurity(ctx, nil, audit.ActionBootstrapInitiated, map[string]any{
			"email":       email,
			"token_valid": true,
			"smtp_tested": true,
			"otp_sent":    false,
			"reason":      "otp_send_failed",
		}, req)
		return fmt.Errorf("%w: %v", ErrSMTPUnavailable, err)
	}

	s.audits.LogSecurity(ctx, nil, audit.ActionBootstrapInitiated, map[string]any{
		"email":       email,
		"token_valid": true,
		"smtp_tested": true,
		"otp_sent":    true,
	}, req)
	return nil
}

// VerifyOTP consumes the bootstrap code and returns a 15-minute token
// authorizing only the password setup step.
func (s *Service) VerifyOTP(ctx context.Context, email, code string, req audit.RequestInfo) (string, error) {
	locked, err := s.IsLocked(ctx)
	if err != nil {
		return "", err
	}
	if !locked {
		return "", ErrSystemNotLocked
	}

	if err := s.otp.Verify(ctx, email, models.OTPPurposeBootstrap, code); err != nil {
		s.audits.LogSecurity(ctx, nil, audit.ActionBootstrapInitiated, map[string]any{
			"email":        email,
			"otp_verified": false,
			"reason":       err.Error(),
		}, req)
		return "", err
	}

	setupToken, err := s.tokens.CreateTemporary(token.Claims{
		Email:   email,
		Purpose: PurposeAdminSetup,
		Step:    "password_setup",
	}, s.cfg.TempTTL())
	if err != nil {
		return "", err
	}

	s.audits.LogSecurity(ctx, nil, audit.ActionBootstrapInitiated, map[string]any{
		"email":        email,
		"otp_verified": true,
	}, req)
	return setupToken, nil
}

// SetupResult is returned by SetupPassword. BackupCodes are the only
// plaintext copy that will ever exist.
type SetupResult struct {
	QRCode      string   `json:"qr_code"`
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backup_codes"`
	SetupToken  string   `json:"setup_token"`
}

// SetupPassword creates the admin account in pending_2fa status and
// stages two-factor enrollment. The account cannot log in until
// Verify2FASetup activates it.
func (s *Service) SetupPassword(ctx context.Context, setupToken, pw, confirm string, req audit.RequestInfo) (*SetupResult, error) {
	claims, err := s.tokens.VerifyTemporary(setupToken, PurposeAdminSetup)
	if err != nil {
		return nil, err
	}

	if pw != confirm {
		return nil, ErrPasswordMismatch
	}
	if err := password.CheckPolicy(pw); err != nil {
		return nil, err
	}

	var existing models.User
	err = s.db.WithContext(ctx).Where("email = ?", claims.Email).First(&existing).Error
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
	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	qr, err := s.totp.QRCodeDataURI(secret, claims.Email)
	if err != nil {
		return nil, err
	}
	backupCodes, err := totp.GenerateBackupCodes(s.cfg.Security.BackupCodeCount, s.cfg.Security.BackupCodeLength)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Username:         usernameFromEmail(claims.Email),
		Email:            claims.Email,
		PasswordHash:     hash,
		Name:             "Administrator",
		Role:             string(rbac.RoleAdmin),
		Status:           models.StatusPending2FA,
		TwoFactorSecret:  secret,
		TwoFactorEnabled: false,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	twoFAToken, err := s.tokens.CreateTemporary(token.Claims{
		UserID:      user.ID,
		Email:       user.Email,
		Purpose:     Purpose2FASetup,
		BackupCodes: backupCodes,
	}, s.cfg.ResetTTL())
	if err != nil {
		return nil, err
	}

	s.audits.LogSecurity(ctx, &user.ID, audit.ActionAdminPasswordSet, map[string]any{
		"email": user.Email,
	}, req)

	display := make([]string, len(backupCodes))
	for i, code := range backupCodes {
		display[i] = totp.FormatForDisplay(code)
	}
	return &SetupResult{
		QRCode:      qr,
		Secret:      secret,
		BackupCodes: display,
		SetupToken:  twoFAToken,
	}, nil
}

// Verify2FASetup proves the authenticator works, persists the hashed
// backup codes and activates the account, all in one transaction. For an
// admin account the transaction re-checks that no other admin activated
// concurrently, so the system unlocks exactly once.
func (s *Service) Verify2FASetup(ctx context.Context, setupToken, code string, req audit.RequestInfo) (string, *models.User, error) {
	claims, err := s.tokens.VerifyTemporary(setupToken, Purpose2FASetup)
	if err != nil {
		return "", nil, err
	}

	var user models.User
	err = s.db.WithContext(ctx).First(&user, claims.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrUserNotFound
	}
	if err != nil {
		return "", nil, err
	}
	if user.Status != models.StatusPending2FA {
		return "", nil, ErrWrongStatus
	}

	ok, err := s.totp.VerifyCode(user.TwoFactorSecret, code, time.Now())
	if err != nil {
		return "", nil, err
	}
	if !ok {
		s.audits.LogSecurity(ctx, &user.ID, audit.ActionBootstrapInitiated, map[string]any{
			"email":        user.Email,
			"2fa_verified": false,
		}, req)
		return "", nil, ErrInvalid2FACode
	}

	records, err := totp.HashBackupCodes(claims.BackupCodes)
	if err != nil {
		return "", nil, err
	}
	column, err := totp.EncodeBackupCodes(records)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if user.Role == string(rbac.RoleAdmin) {
			n, err := s.countActiveAdmins(tx)
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrSystemNotLocked
			}
		}
		return tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
			"backup_codes":       column,
			"two_factor_enabled": true,
			"status":             models.StatusActive,
			"last_login_at":      now,
		}).Error
	})
	if err != nil {
		return "", nil, err
	}

	user.Status = models.StatusActive
	user.TwoFactorEnabled = true
	user.BackupCodes = column
	user.LastLoginAt = &now

	sessionToken, err := s.tokens.CreateSession(user.ID, user.Email, user.Role, user.Name, s.cfg.SessionTTL())
	if err != nil {
		return "", nil, err
	}

	action := audit.ActionAdminSetupComplete
	if user.Role != string(rbac.RoleAdmin) {
		action = audit.ActionTwoFactorEnabled
	}
	s.audits.LogSecurity(ctx, &user.ID, action, map[string]any{
		"email": user.Email,
	}, req)

	return sessionToken, &user, nil
}

func usernameFromEmail(email string) string {
	for i, r := range email {
		if r == '@' {
			return email[:i]
		}
	}
	return email
}
