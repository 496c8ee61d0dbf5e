package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/rbac"
	"github.com/apistudio/server/internal/respond"
	"github.com/apistudio/server/internal/token"
)

// LockChecker reports whether the system is still waiting for its first
// administrator.
type LockChecker interface {
	IsLocked(ctx context.Context) (bool, error)
}

// lockedPaths are reachable while no active admin exists. Everything
// else is rejected outright; the lock check runs before the public
// allow-list so a locked system exposes nothing but the bootstrap flow.
var lockedPaths = map[string]bool{
	"/":                             true,
	"/api/health":                   true,
	"/api/system-status":            true,
	"/api/bootstrap":                true,
	"/api/bootstrap/verify-otp":     true,
	"/api/auth/first-time-password": true,
	"/api/auth/verify-2fa-setup":    true,
}

// publicPaths bypass session checks once the system is unlocked. Setup
// endpoints stay here because they authenticate with purpose-tagged
// temporary tokens verified by their handlers, not session tokens.
var publicPaths = map[string]bool{
	"/":                                    true,
	"/api/health":                          true,
	"/api/system-status":                   true,
	"/api/bootstrap":                       true,
	"/api/bootstrap/verify-otp":            true,
	"/api/auth/login":                      true,
	"/api/auth/register":                   true,
	"/api/auth/forgot-password":            true,
	"/api/auth/forgot-password/verify-otp": true,
	"/api/auth/reset-password":             true,
	"/api/auth/verify-invitation":          true,
	"/api/auth/collaborator/set-password":  true,
	"/api/auth/first-time-password":        true,
	"/api/auth/verify-2fa-setup":           true,
}

// contentPrefixes get the coarse editor check for mutating methods.
// Finer ownership checks run inside the handlers.
var contentPrefixes = []string{
	"/api/workspaces",
	"/api/collections",
	"/api/requests",
	"/api/environments",
}

// Gate is the single authentication gate in front of route dispatch.
type Gate struct {
	cfg    *config.Config
	db     *gorm.DB
	tokens *token.Manager
	lock   LockChecker
	logger *zap.Logger
	now    func() time.Time
}

func NewGate(cfg *config.Config, db *gorm.DB, tokens *token.Manager, lock LockChecker, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{cfg: cfg, db: db, tokens: tokens, lock: lock, logger: logger, now: time.Now}
}

// Handler evaluates, in order: local-mode pass-through, system lock,
// public allow-list, bearer session validation, user liveness, and the
// coarse role-by-prefix checks.
func (g *Gate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.cfg.IsLocal() {
			c.Next()
			return
		}

		path := c.Request.URL.Path

		locked, err := g.lock.IsLocked(c.Request.Context())
		if err != nil {
			g.logger.Error("lock check failed", zap.Error(err))
			respond.AbortError(c, http.StatusInternalServerError, respond.CodeServerError, "system state unavailable")
			return
		}
		if locked {
			if lockedPaths[path] {
				c.Next()
				return
			}
			respond.AbortError(c, http.StatusServiceUnavailable, respond.CodeSystemLocked,
				"system is locked until an administrator completes bootstrap")
			return
		}

		if publicPaths[path] {
			c.Next()
			return
		}

		raw, ok := bearerToken(c)
		if !ok {
			respond.AbortError(c, http.StatusUnauthorized, respond.CodeMissingToken, "authorization required")
			return
		}
		claims, err := g.tokens.VerifySession(raw)
		if err != nil {
			respond.AbortError(c, http.StatusUnauthorized, respond.CodeInvalidToken, "invalid or expired session")
			return
		}

		var user models.User
		err = g.db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respond.AbortError(c, http.StatusUnauthorized, respond.CodeInvalidToken, "account no longer exists")
			return
		}
		if err != nil {
			g.logger.Error("user lookup failed", zap.Uint("user", claims.UserID), zap.Error(err))
			respond.AbortError(c, http.StatusInternalServerError, respond.CodeServerError, "user lookup failed")
			return
		}
		if user.Status != models.StatusActive {
			respond.AbortError(c, http.StatusForbidden, respond.CodeAccountInactive, "account is not active")
			return
		}
		if user.LockedUntil != nil && user.LockedUntil.After(g.now()) {
			respond.AbortError(c, http.StatusForbidden, respond.CodeAccountLocked, "account temporarily locked")
			return
		}

		setIdentity(c, Identity{
			UserID: user.ID,
			Email:  user.Email,
			Role:   user.Role,
			Status: user.Status,
		})

		if !g.allowByPrefix(c, path, user.Role) {
			return
		}
		c.Next()
	}
}

// allowByPrefix applies the coarse route-prefix role checks. It aborts
// with 403 and returns false when the caller's role is insufficient.
func (g *Gate) allowByPrefix(c *gin.Context, path, role string) bool {
	if strings.HasPrefix(path, "/api/admin") {
		if role != string(rbac.RoleAdmin) {
			respond.AbortError(c, http.StatusForbidden, respond.CodeAdminRequired, "administrator role required")
			return false
		}
		return true
	}
	if mutating(c.Request.Method) {
		for _, prefix := range contentPrefixes {
			if strings.HasPrefix(path, prefix) {
				if role != string(rbac.RoleAdmin) && role != string(rbac.RoleEditor) {
					respond.AbortError(c, http.StatusForbidden, respond.CodeEditorRequired, "editor role required")
					return false
				}
				return true
			}
		}
	}
	return true
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// BearerToken extracts the raw bearer token for handlers that verify
// temporary tokens themselves.
func BearerToken(c *gin.Context) (string, bool) {
	return bearerToken(c)
}
