package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/bootstrap"
	"github.com/apistudio/server/internal/middleware"
	"github.com/apistudio/server/internal/ratelimit"
	"github.com/apistudio/server/internal/respond"
)

// BootstrapHandler drives the first-admin setup wizard.
type BootstrapHandler struct {
	svc   *bootstrap.Service
	guard rateGuard
}

func NewBootstrapHandler(svc *bootstrap.Service, limiter *ratelimit.Limiter, audits *audit.Recorder, logger *zap.Logger) *BootstrapHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BootstrapHandler{
		svc:   svc,
		guard: rateGuard{limiter: limiter, audits: audits, logger: logger},
	}
}

type initiateBootstrapRequest struct {
	Token string `json:"token" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

func (h *BootstrapHandler) Initiate(c *gin.Context) {
	var in initiateBootstrapRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "token and a valid email are required")
		return
	}
	if !h.guard.allow(c, ratelimit.EndpointBootstrap, c.ClientIP()) {
		return
	}

	err := h.svc.Initiate(c.Request.Context(), in.Email, in.Token, audit.FromRequest(c.Request))
	h.guard.record(c, ratelimit.EndpointBootstrap, err == nil, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"smtp_tested": true, "otp_sent": true})
}

type verifyBootstrapOTPRequest struct {
	Email string `json:"email" binding:"required,email"`
	OTP   string `json:"otp" binding:"required"`
}

func (h *BootstrapHandler) VerifyOTP(c *gin.Context) {
	var in verifyBootstrapOTPRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "email and otp are required")
		return
	}
	if !h.guard.allow(c, ratelimit.EndpointBootstrap, c.ClientIP()) {
		return
	}

	tempToken, err := h.svc.VerifyOTP(c.Request.Context(), in.Email, in.OTP, audit.FromRequest(c.Request))
	h.guard.record(c, ratelimit.EndpointBootstrap, err == nil, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"temp_token": tempToken, "requires_setup": true})
}

type firstTimePasswordRequest struct {
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// FirstTimePassword expects the temporary token from OTP verification as
// the bearer credential.
func (h *BootstrapHandler) FirstTimePassword(c *gin.Context) {
	raw, ok := middleware.BearerToken(c)
	if !ok {
		respond.Error(c, http.StatusUnauthorized, respond.CodeMissingToken, "setup token required")
		return
	}
	var in firstTimePasswordRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "password and confirm_password are required")
		return
	}

	result, err := h.svc.SetupPassword(c.Request.Context(), raw, in.Password, in.ConfirmPassword, audit.FromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"two_fa_setup": gin.H{
			"qr_code":      result.QRCode,
			"secret":       result.Secret,
			"backup_codes": result.BackupCodes,
		},
		"setup_token": result.SetupToken,
	})
}

type verify2FASetupRequest struct {
	TOTPCode string `json:"totp_code" binding:"required"`
}

// Verify2FASetup completes 2FA enrollment for both the bootstrap admin
// and invited collaborators who opted in; the bearer token's purpose
// decides nothing here, the service checks it.
func (h *BootstrapHandler) Verify2FASetup(c *gin.Context) {
	raw, ok := middleware.BearerToken(c)
	if !ok {
		respond.Error(c, http.StatusUnauthorized, respond.CodeMissingToken, "setup token required")
		return
	}
	var in verify2FASetupRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "totp_code is required")
		return
	}

	session, user, err := h.svc.Verify2FASetup(c.Request.Context(), raw, in.TOTPCode, audit.FromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"access_token": session,
		"token_type":   "bearer",
		"user":         userJSON(user),
	})
}
