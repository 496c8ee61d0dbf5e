package admin

import (
	"context"
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
	ErrInvalidRole        = errors.New("invalid role")
	ErrUserExists         = errors.New("an account with this email already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvitationPending  = errors.New("an invitation for this email is already pending")
	ErrInvitationNotFound = errors.New("no pending invitation for this email")
	ErrInvitationExpired  = errors.New("invitation has expired")
	ErrSelfModification   = errors.New("you cannot modify your own account")
	ErrLastAdmin          = errors.New("cannot remove or demote the last administrator")
	ErrPasswordMismatch   = errors.New("passwords do not match")
)

// PurposeCollaboratorSetup tags the temporary token between invitation
// verification and account creation.
const PurposeCollaboratorSetup = "collaborator_setup"

type mailInterface interface {
	SendInvitation(ctx context.Context, to, role, otp string, expiresAt time.Time) error
}

// Service implements collaborator lifecycle management.
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

// InviteUser creates an invitation plus OTP and emails it. The
// invitation row is rolled back when the email cannot be delivered so a
// stuck invite never blocks a retry, and every failure branch is
// audited.
func (s *Service) InviteUser(ctx context.Context, actorID uint, email, role string, req audit.RequestInfo) error {
	if !rbac.Role(role).Valid() {
		return ErrInvalidRole
	}

	var existing models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		s.audits.LogUserManagement(ctx, actorID, audit.ActionUserInviteFailed, nil, email,
			map[string]any{"reason": "user_exists"}, req)
		return ErrUserExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	var pending models.Invitation
	err = s.db.WithContext(ctx).
		Where("email = ? AND accepted = ? AND expires_at > ?", email, false, s.now()).
		First(&pending).Error
	if err == nil {
		s.audits.LogUserManagement(ctx, actorID, audit.ActionUserInviteFailed, nil, email,
			map[string]any{"reason": "invitation_pending"}, req)
		return ErrInvitationPending
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	code, err := s.otp.Issue(ctx, email, models.OTPPurposeInvitation)
	if err != nil {
		return err
	}
	invitation := models.Invitation{
		Email:     email,
		Role:      role,
		InvitedBy: actorID,
		ExpiresAt: s.now().Add(s.cfg.InvitationExpiry()),
	}
	if err := s.db.WithContext(ctx).Create(&invitation).Error; err != nil {
		return err
	}

	if err := s.mailer.SendInvitation(ctx, email, role, code, invitation.ExpiresAt); err != nil {
		if delErr := s.db.WithContext(ctx).Delete(&invitation).Error; delErr != nil {
			s.logger.Error("invitation rollback failed", zap.Uint("invitation", invitation.ID), zap.Error(delErr))
		}
		s.audits.LogUserManagement(ctx, actorID, audit.ActionUserInviteFailed, nil, email,
			map[string]any{"reason": "email_failed"}, req)
		return fmt.Errorf("send invitation: %w", err)
	}

	s.audits.LogUserManagement(ctx, actorID, audit.ActionUserInvited, nil, email,
		map[string]any{"role": role}, req)
	return nil
}

// VerifyInvitation consumes the invitation OTP and returns a token
// authorizing account setup for that email and role.
func (s *Service) VerifyInvitation(ctx context.Context, email, code string, req audit.RequestInfo) (string, string, error) {
	invitation, err := s.pendingInvitation(ctx, email)
	if err != nil {
		s.audits.LogSecurity(ctx, nil, audit.ActionUserInviteFailed, map[string]any{
			"email":  email,
			"reason": err.Error(),
		}, req)
		return "", "", err
	}

	if err := s.otp.Verify(ctx, email, models.OTPPurposeInvitation, code); err != nil {
		s.audits.LogSecurity(ctx, nil, audit.ActionUserInviteFailed, map[string]any{
			"email":  email,
			"reason": "otp_verification_failed",
		}, req)
		return "", "", err
	}

	setupToken, err := s.tokens.CreateTemporary(token.Claims{
		Email:        email,
		Role:         invitation.Role,
		Purpose:      PurposeCollaboratorSetup,
		InvitationID: invitation.ID,
	}, s.cfg.ResetTTL())
	if err != nil {
		return "", "", err
	}
	return setupToken, invitation.Role, nil
}

func (s *Service) pendingInvitation(ctx context.Context, email string) (*models.Invitation, error) {
	var invitation models.Invitation
	err := s.db.WithContext(ctx).
		Where("email = ? AND accepted = ?", email, false).
		Order("created_at DESC, id DESC").
		First(&invitation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.now().After(invitation.ExpiresAt) {
		return nil, ErrInvitationExpired
	}
	return &invitation, nil
}

// SetupInput is the collaborator's account creation request.
type SetupInput struct {
	SetupToken      string
	Password        string
	ConfirmPassword string
	Name            string
	EnableTwoFactor bool
}

// SetupOutcome is either a live session or a staged 2FA enrollment.
type SetupOutcome struct {
	Token       string   `json:"token"`
	Requires2FA bool     `json:"requires_2fa"`
	QRCode      string   `json:"qr_code,omitempty"`
	Secret      string   `json:"secret,omitempty"`
	BackupCodes []string `json:"backup_codes,omitempty"`
	User        *models.User
}

// CompleteSetup turns a verified invitation into an account. With 2FA
// requested the account starts pending_2fa and the returned token only
// authorizes the enrollment verification step.
func (s *Service) CompleteSetup(ctx context.Context, in SetupInput, req audit.RequestInfo) (*SetupOutcome, error) {
	claims, err := s.tokens.VerifyTemporary(in.SetupToken, PurposeCollaboratorSetup)
	if err != nil {
		return nil, err
	}

	invitation, err := s.pendingInvitation(ctx, claims.Email)
	if err != nil {
		return nil, err
	}
	if invitation.ID != claims.InvitationID {
		return nil, ErrInvitationNotFound
	}

	if in.Password != in.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}
	if err := password.CheckPolicy(in.Password); err != nil {
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

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	username, err := s.uniqueUsername(ctx, claims.Email)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Username:     username,
		Email:        claims.Email,
		PasswordHash: hash,
		Name:         in.Name,
		Role:         invitation.Role,
		Status:       models.StatusActive,
	}

	outcome := &SetupOutcome{}
	if in.EnableTwoFactor {
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

		user.Status = models.StatusPending2FA
		user.TwoFactorSecret = secret

		outcome.Requires2FA = true
		outcome.QRCode = qr
		outcome.Secret = secret
		outcome.BackupCodes = make([]string, len(backupCodes))
		for i, c := range backupCodes {
			outcome.BackupCodes[i] = totp.FormatForDisplay(c)
		}

		if err := s.createAcceptedUser(ctx, &user, invitation); err != nil {
			return nil, err
		}

		setupToken, err := s.tokens.CreateTemporary(token.Claims{
			UserID:      user.ID,
			Email:       user.Email,
			Purpose:     "2fa_setup",
			BackupCodes: backupCodes,
		}, s.cfg.TempTTL())
		if err != nil {
			return nil, err
		}
		outcome.Token = setupToken
	} else {
		if err := s.createAcceptedUser(ctx, &user, invitation); err != nil {
			return nil, err
		}
		sessionToken, err := s.tokens.CreateSession(user.ID, user.Email, user.Role, user.Name, s.cfg.SessionTTL())
		if err != nil {
			return nil, err
		}
		outcome.Token = sessionToken
	}
	outcome.User = &user

	s.audits.LogUserManagement(ctx, invitation.InvitedBy, audit.ActionUserInvitationAccepted, &user.ID, user.Email,
		map[string]any{"role": user.Role, "two_factor": in.EnableTwoFactor}, req)
	return outcome, nil
}

func (s *Service) createAcceptedUser(ctx context.Context, user *models.User, invitation *models.Invitation) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		return tx.Model(invitation).Updates(map[string]any{
			"accepted":    true,
			"accepted_at": now,
		}).Error
	})
}

// uniqueUsername derives a username from the email local part, suffixing
// a counter on collision.
func (s *Service) uniqueUsername(ctx context.Context, email string) (string, error) {
	base := email
	for i, r := range email {
		if r == '@' {
			base = email[:i]
			break
		}
	}

	candidate := base
	for i := 1; ; i++ {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.User{}).
			Where("username = ?", candidate).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}

// UpdateRole changes a collaborator's role. Self-modification is
// rejected, as is demoting the last active administrator; both
// rejections are audited.
func (s *Service) UpdateRole(ctx context.Context, actorID, targetID uint, newRole string, req audit.RequestInfo) error {
	if !rbac.Role(newRole).Valid() {
		return ErrInvalidRole
	}
	if actorID == targetID {
		s.audits.LogUserManagement(ctx, actorID, audit.ActionRoleUpdateFailed, &targetID, "",
			map[string]any{"reason": "self_modification_attempted"}, req)
		return ErrSelfModification
	}

	var target models.User
	err := s.db.WithContext(ctx).First(&target, targetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}

	if target.Role == string(rbac.RoleAdmin) && newRole != string(rbac.RoleAdmin) && target.Status == models.StatusActive {
		n, err := s.countActiveAdmins(ctx)
		if err != nil {
			return err
		}
		if n <= 1 {
			s.audits.LogUserManagement(ctx, actorID, audit.ActionRoleUpdateFailed, &targetID, target.Email,
				map[string]any{"reason": "last_admin_protection"}, req)
			return ErrLastAdmin
		}
	}

	oldRole := target.Role
	if err := s.db.WithContext(ctx).Model(&target).Update("role", newRole).Error; err != nil {
		return err
	}

	s.audits.LogUserManagement(ctx, actorID, audit.ActionUserRoleChanged, &targetID, target.Email,
		map[string]any{"old_role": oldRole, "new_role": newRole}, req)
	return nil
}

// Remove deletes a collaborator. Self-removal and removing the last
// active administrator are rejected and audited.
func (s *Service) Remove(ctx context.Context, actorID, targetID uint, req audit.RequestInfo) error {
	if actorID == targetID {
		s.audits.LogUserManagement(ctx, actorID, audit.ActionUserRemovalFailed, &targetID, "",
			map[string]any{"reason": "self_removal_attempted"}, req)
		return ErrSelfModification
	}

	var target models.User
	err := s.db.WithContext(ctx).First(&target, targetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}

	if target.Role == string(rbac.RoleAdmin) && target.Status == models.StatusActive {
		n, err := s.countActiveAdmins(ctx)
		if err != nil {
			return err
		}
		if n <= 1 {
			s.audits.LogUserManagement(ctx, actorID, audit.ActionUserRemovalFailed, &targetID, target.Email,
				map[string]any{"reason": "last_admin_protection"}, req)
			return ErrLastAdmin
		}
	}

	if err := s.db.WithContext(ctx).Delete(&target).Error; err != nil {
		return err
	}

	s.audits.LogUserManagement(ctx, actorID, audit.ActionUserRemoved, &targetID, target.Email,
		map[string]any{"role": target.Role}, req)
	return nil
}

func (s *Service) countActiveAdmins(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("role = ? AND status = ?", string(rbac.RoleAdmin), models.StatusActive).
		Count(&n).Error
	return n, err
}

// Collaborator is the admin-facing user listing entry.
type Collaborator struct {
	ID               uint       `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	Name             string     `json:"name"`
	Role             string     `json:"role"`
	Status           string     `json:"status"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	LastLoginAt      *time.Time `json:"last_login_at"`
	CreatedAt        time.Time  `json:"created_at"`
	InvitedBy        string     `json:"invited_by,omitempty"`
}

// ListCollaborators returns all accounts with the inviter's email
// resolved from the accepted invitation, when one exists.
func (s *Service) ListCollaborators(ctx context.Context) ([]Collaborator, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&users).Error; err != nil {
		return nil, err
	}

	inviterByEmail := map[string]string{}
	var invitations []models.Invitation
	if err := s.db.WithContext(ctx).Where("accepted = ?", true).Find(&invitations).Error; err != nil {
		return nil, err
	}
	if len(invitations) > 0 {
		ids := make([]uint, 0, len(invitations))
		for _, inv := range invitations {
			ids = append(ids, inv.InvitedBy)
		}
		var inviters []models.User
		if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&inviters).Error; err != nil {
			return nil, err
		}
		emailByID := map[uint]string{}
		for _, u := range inviters {
			emailByID[u.ID] = u.Email
		}
		for _, inv := range invitations {
			inviterByEmail[inv.Email] = emailByID[inv.InvitedBy]
		}
	}

	out := make([]Collaborator, 0, len(users))
	for _, u := range users {
		out = append(out, Collaborator{
			ID:               u.ID,
			Username:         u.Username,
			Email:            u.Email,
			Name:             u.Name,
			Role:             u.Role,
			Status:           u.Status,
			TwoFactorEnabled: u.TwoFactorEnabled,
			LastLoginAt:      u.LastLoginAt,
			CreatedAt:        u.CreatedAt,
			InvitedBy:        inviterByEmail[u.Email],
		})
	}
	return out, nil
}

// AuditLogEntry is one enriched audit row.
type AuditLogEntry struct {
	models.AuditLog
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// AuditLogs returns filtered rows enriched with the acting user's
// identity, plus the unpaginated total.
func (s *Service) AuditLogs(ctx context.Context, f audit.Filter) ([]AuditLogEntry, int64, error) {
	rows, total, err := s.audits.Query(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	ids := make([]uint, 0, len(rows))
	seen := map[uint]struct{}{}
	for _, row := range rows {
		if row.UserID != nil {
			if _, ok := seen[*row.UserID]; !ok {
				seen[*row.UserID] = struct{}{}
				ids = append(ids, *row.UserID)
			}
		}
	}

	userByID := map[uint]models.User{}
	if len(ids) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
			return nil, 0, err
		}
		for _, u := range users {
			userByID[u.ID] = u
		}
	}

	out := make([]AuditLogEntry, 0, len(rows))
	for _, row := range rows {
		entry := AuditLogEntry{AuditLog: row}
		if row.UserID != nil {
			if u, ok := userByID[*row.UserID]; ok {
				entry.Username = u.Username
				entry.Email = u.Email
			}
		}
		out = append(out, entry)
	}
	return out, total, nil
}
