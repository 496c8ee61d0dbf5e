package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/auth"
	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/middleware"
	"github.com/apistudio/server/internal/respond"
)

// UserHandler serves the authenticated account-settings routes: password
// change, two-factor enrollment and backup codes.
type UserHandler struct {
	svc *auth.Service
	cfg *config.Config
}

func NewUserHandler(svc *auth.Service, cfg *config.Config) *UserHandler {
	return &UserHandler{svc: svc, cfg: cfg}
}

// identity resolves the caller or writes the rejection. Local mode has
// no accounts, so account settings are a hosted-only surface.
func (h *UserHandler) identity(c *gin.Context) (middleware.Identity, bool) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		if h.cfg.IsLocal() {
			respond.Error(c, http.StatusBadRequest, respond.CodeValidation,
				"account settings are not available in local mode")
		} else {
			respond.Error(c, http.StatusUnauthorized, respond.CodeMissingToken, "authorization required")
		}
		return middleware.Identity{}, false
	}
	return id, true
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

func (h *UserHandler) ChangePassword(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var in changePasswordRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "current_password and new_password are required")
		return
	}

	if err := h.svc.ChangePassword(c.Request.Context(), id.UserID, in.CurrentPassword, in.NewPassword, audit.FromRequest(c.Request)); err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"message": "password changed"})
}

func (h *UserHandler) Enable2FA(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	setup, err := h.svc.Enable2FA(c.Request.Context(), id.UserID, audit.FromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"qr_code": setup.QRCode,
		"secret":  setup.Secret,
		"message": "scan the QR code with your authenticator app and verify with a code",
	})
}

type verify2FARequest struct {
	TOTPCode string `json:"totp_code" binding:"required"`
}

func (h *UserHandler) Verify2FA(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var in verify2FARequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "totp_code is required")
		return
	}

	codes, err := h.svc.ConfirmEnable2FA(c.Request.Context(), id.UserID, in.TOTPCode, audit.FromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"backup_codes": codes,
		"message":      "two-factor authentication enabled; store the backup codes securely",
	})
}

type disable2FARequest struct {
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code"`
}

func (h *UserHandler) Disable2FA(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var in disable2FARequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "password is required")
		return
	}

	if err := h.svc.Disable2FA(c.Request.Context(), id.UserID, in.Password, in.TOTPCode, audit.FromRequest(c.Request)); err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"message": "two-factor authentication disabled"})
}

func (h *UserHandler) RegenerateBackupCodes(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	codes, err := h.svc.RegenerateBackupCodes(c.Request.Context(), id.UserID, audit.FromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"backup_codes": codes,
		"message":      "new backup codes generated; earlier codes no longer work",
	})
}
