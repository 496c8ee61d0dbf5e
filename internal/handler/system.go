package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apistudio/server/internal/bootstrap"
	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/respond"
)

// SystemHandler serves the unauthenticated deployment-state endpoints.
type SystemHandler struct {
	boot *bootstrap.Service
	cfg  *config.Config
}

func NewSystemHandler(boot *bootstrap.Service, cfg *config.Config) *SystemHandler {
	return &SystemHandler{boot: boot, cfg: cfg}
}

func (h *SystemHandler) Health(c *gin.Context) {
	respond.OK(c, gin.H{"status": "ok", "mode": h.cfg.AppMode})
}

// SystemStatus tells a fresh frontend whether to render the bootstrap
// wizard or the login form.
func (h *SystemHandler) SystemStatus(c *gin.Context) {
	status, err := h.boot.SystemStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// userJSON is the user shape shared by login, setup and admin listings.
// The password hash, 2FA secret and backup codes never leave the server.
func userJSON(u *models.User) gin.H {
	return gin.H{
		"id":                 u.ID,
		"username":           u.Username,
		"email":              u.Email,
		"name":               u.Name,
		"role":               u.Role,
		"status":             u.Status,
		"two_factor_enabled": u.TwoFactorEnabled,
		"last_login_at":      u.LastLoginAt,
		"created_at":         u.CreatedAt,
	}
}
