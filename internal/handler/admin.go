package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apistudio/server/internal/admin"
	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/middleware"
	"github.com/apistudio/server/internal/ratelimit"
	"github.com/apistudio/server/internal/respond"
)

// AdminHandler serves collaborator management and the audit log. Role
// gating happens in the middleware; these handlers only carry the actor
// identity into the service for attribution.
type AdminHandler struct {
	svc   *admin.Service
	guard rateGuard
}

func NewAdminHandler(svc *admin.Service, limiter *ratelimit.Limiter, audits *audit.Recorder, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		svc:   svc,
		guard: rateGuard{limiter: limiter, audits: audits, logger: logger},
	}
}

type inviteRequest struct {
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role" binding:"required"`
}

func (h *AdminHandler) Invite(c *gin.Context) {
	actor, _ := middleware.CurrentIdentity(c)
	var in inviteRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "email and role are required")
		return
	}
	if !h.guard.allow(c, ratelimit.EndpointInvitation, c.ClientIP(), actor.Email) {
		return
	}

	err := h.svc.InviteUser(c.Request.Context(), actor.UserID, in.Email, in.Role, audit.FromRequest(c.Request))
	h.guard.record(c, ratelimit.EndpointInvitation, err == nil, c.ClientIP(), actor.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"message": "invitation sent", "email": in.Email, "role": in.Role})
}

type verifyInvitationRequest struct {
	Email   string `json:"email" binding:"required,email"`
	OTPCode string `json:"otp_code" binding:"required"`
}

// VerifyInvitation is public: the invitee has no session yet.
func (h *AdminHandler) VerifyInvitation(c *gin.Context) {
	var in verifyInvitationRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "email and otp_code are required")
		return
	}
	if !h.guard.allow(c, ratelimit.EndpointInvitation, c.ClientIP(), in.Email) {
		return
	}

	setupToken, role, err := h.svc.VerifyInvitation(c.Request.Context(), in.Email, in.OTPCode, audit.FromRequest(c.Request))
	h.guard.record(c, ratelimit.EndpointInvitation, err == nil, c.ClientIP(), in.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"setup_token": setupToken, "role": role})
}

type collaboratorSetupRequest struct {
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
	Name            string `json:"name"`
	EnableTwoFactor bool   `json:"enable_two_factor"`
}

// CompleteSetup finishes invitation acceptance. The bearer credential is
// the setup token from VerifyInvitation.
func (h *AdminHandler) CompleteSetup(c *gin.Context) {
	raw, ok := middleware.BearerToken(c)
	if !ok {
		respond.Error(c, http.StatusUnauthorized, respond.CodeMissingToken, "setup token required")
		return
	}
	var in collaboratorSetupRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "password and confirm_password are required")
		return
	}

	outcome, err := h.svc.CompleteSetup(c.Request.Context(), admin.SetupInput{
		SetupToken:      raw,
		Password:        in.Password,
		ConfirmPassword: in.ConfirmPassword,
		Name:            in.Name,
		EnableTwoFactor: in.EnableTwoFactor,
	}, audit.FromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}

	if outcome.Requires2FA {
		respond.OK(c, gin.H{
			"requires_2fa": true,
			"two_fa_setup": gin.H{
				"qr_code":      outcome.QRCode,
				"secret":       outcome.Secret,
				"backup_codes": outcome.BackupCodes,
			},
			"setup_token": outcome.Token,
		})
		return
	}
	respond.OK(c, gin.H{
		"access_token": outcome.Token,
		"token_type":   "bearer",
		"user":         userJSON(outcome.User),
	})
}

func (h *AdminHandler) ListCollaborators(c *gin.Context) {
	list, err := h.svc.ListCollaborators(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"collaborators": list, "total": len(list)})
}

type updateRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h *AdminHandler) UpdateCollaborator(c *gin.Context) {
	actor, _ := middleware.CurrentIdentity(c)
	targetID, ok := idParam(c)
	if !ok {
		return
	}
	var in updateRoleRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "role is required")
		return
	}

	if err := h.svc.UpdateRole(c.Request.Context(), actor.UserID, targetID, in.Role, audit.FromRequest(c.Request)); err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"message": "role updated", "role": in.Role})
}

func (h *AdminHandler) RemoveCollaborator(c *gin.Context) {
	actor, _ := middleware.CurrentIdentity(c)
	targetID, ok := idParam(c)
	if !ok {
		return
	}

	if err := h.svc.Remove(c.Request.Context(), actor.UserID, targetID, audit.FromRequest(c.Request)); err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{"message": "collaborator removed"})
}

// AuditLogs supports ?limit&offset&user_id&action&resource_type.
func (h *AdminHandler) AuditLogs(c *gin.Context) {
	filter := audit.Filter{
		Action:       c.Query("action"),
		ResourceType: c.Query("resource_type"),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "user_id must be numeric")
			return
		}
		uid := uint(id)
		filter.UserID = &uid
	}

	rows, total, err := h.svc.AuditLogs(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"logs":   rows,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func idParam(c *gin.Context) (uint, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		respond.Error(c, http.StatusBadRequest, respond.CodeValidation, "id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}
