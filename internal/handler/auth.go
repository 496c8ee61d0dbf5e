package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/auth"
	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/middleware"
	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/ratelimit"
	"github.com/apistudio/server/internal/rbac"
	"github.com/apistudio/server/internal/respond"
)

// AuthHandler serves login, password reset and the session profile.
type AuthHandler struct {
	svc   *auth.Service
	db    *gorm.DB
	cfg   *config.Config
	guard rateGuard
}

func NewAuthHandler(svc *auth.Service, db *gorm.DB, cfg *config.Config, limiter *ratelimit.Limiter, audits *audit.Recorder, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		svc:   svc,
		db:    db,
		cfg:   cfg,
		guard: rateGuard{limiter: limiter, audits: audits, logger: logger},
	}
}

type loginRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required"`
	TOTPCode   string `json:"totp_code"`
	BackupCode string `json:"backup_code"`
}

// Login rate-limits by client IP and by account email independently, so
// a distributed attack on one account and a spray from one address both
// hit a wall.
func (h *AuthHandler) Login(c *gin.Context) {
	var in loginRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "email and password are required")
		return
	}
	if !h.guard.allow(c, ratelimit.EndpointLogin, c.ClientIP(), in.Email) {
		return
	}

	result, err := h.svc.Authenticate(c.Request.Context(), auth.Credentials{
		Email:      in.Email,
		Password:   in.Password,
		TOTPCode:   in.TOTPCode,
		BackupCode: in.BackupCode,
	}, audit.FromRequest(c.Request))
	if err != nil {
		h.guard.record(c, ratelimit.EndpointLogin, false, c.ClientIP(), in.Email)
		writeError(c, err)
		return
	}
	if result.Requires2FA {
		// Not a failure: the password was right, the caller just needs
		// to supply a second factor.
		respond.OK(c, gin.H{"requires_2fa": true})
		return
	}

	h.guard.record(c, ratelimit.EndpointLogin, true, c.ClientIP(), in.Email)
	respond.OK(c, gin.H{
		"access_token": result.Token,
		"token_type":   "bearer",
		"user":         userJSON(result.User),
		"permissions":  auth.PermissionsFor(rbac.Role(result.User.Role)),
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ForgotPassword always answers with the same body whether or not the
// account exists.
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var in forgotPasswordRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "a valid email is required")
		return
	}
	if !h.guard.allow(c, ratelimit.EndpointOTPRequest, c.ClientIP(), in.Email) {
		return
	}

	err := h.svc.InitiateReset(c.Request.Context(), in.Email, audit.FromRequest(c.Request))
	h.guard.record(c, ratelimit.EndpointOTPRequest, err == nil, c.ClientIP(), in.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"message": "if the account exists, a reset code has been sent"})
}

type verifyResetOTPRequest struct {
	Email   string `json:"email" binding:"required,email"`
	OTPCode string `json:"otp_code" binding:"required"`
}

func (h *AuthHandler) VerifyResetOTP(c *gin.Context) {
	var in verifyResetOTPRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "email and otp_code are required")
		return
	}
	if !h.guard.allow(c, ratelimit.EndpointPasswordReset, c.ClientIP(), in.Email) {
		return
	}

	resetToken, err := h.svc.VerifyResetOTP(c.Request.Context(), in.Email, in.OTPCode)
	h.guard.record(c, ratelimit.EndpointPasswordReset, err == nil, c.ClientIP(), in.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"reset_token": resetToken})
}

type resetPasswordRequest struct {
	Token           string `json:"token" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
	ConfirmPassword string `json:"confirm_password"`
}

func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var in resetPasswordRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "token and new_password are required")
		return
	}
	confirm := in.ConfirmPassword
	if confirm == "" {
		confirm = in.NewPassword
	}

	if err := h.svc.ResetPassword(c.Request.Context(), in.Token, in.NewPassword, confirm, audit.FromRequest(c.Request)); err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"message": "password has been reset"})
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var in registerRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "username, email and password are required")
		return
	}

	result, err := h.svc.Register(c.Request.Context(), in.Username, in.Email, in.Password, in.Name, audit.FromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"access_token": result.Token,
		"token_type":   "bearer",
		"user":         userJSON(result.User),
	})
}

// Me returns the caller's profile and derived permissions. In local mode
// there is no session; the single operator is reported as an implicit
// admin.
func (h *AuthHandler) Me(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		if h.cfg.IsLocal() {
			respond.OK(c, gin.H{
				"user": gin.H{
					"username": "local",
					"role":     string(rbac.RoleAdmin),
					"status":   models.StatusActive,
				},
				"permissions": auth.PermissionsFor(rbac.RoleAdmin),
			})
			return
		}
		respond.Error(c, http.StatusUnauthorized, respond.CodeMissingToken, "authorization required")
		return
	}

	var user models.User
	err := h.db.WithContext(c.Request.Context()).First(&user, id.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respond.Error(c, http.StatusUnauthorized, respond.CodeInvalidToken, "account no longer exists")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"user":        userJSON(&user),
		"permissions": auth.PermissionsFor(rbac.Role(user.Role)),
	})
}
