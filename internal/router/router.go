package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/apistudio/server/internal/admin"
	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/auth"
	"github.com/apistudio/server/internal/bootstrap"
	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/handler"
	"github.com/apistudio/server/internal/middleware"
	"github.com/apistudio/server/internal/ratelimit"
	"github.com/apistudio/server/internal/respond"
	"github.com/apistudio/server/internal/token"
)

// Deps carries the wired services the router needs.
type Deps struct {
	Cfg       *config.Config
	DB        *gorm.DB
	Tokens    *token.Manager
	Limiter   *ratelimit.Limiter
	Audits    *audit.Recorder
	Bootstrap *bootstrap.Service
	Auth      *auth.Service
	Admin     *admin.Service
	Logger    *zap.Logger
}

// New builds the gin engine with the full middleware chain and all
// routes registered.
func New(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if !d.Cfg.Log.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.RequestLogger(d.Logger), gin.Recovery())

	gate := middleware.NewGate(d.Cfg, d.DB, d.Tokens, d.Bootstrap, d.Logger)
	r.Use(gate.Handler())

	systemH := handler.NewSystemHandler(d.Bootstrap, d.Cfg)
	bootstrapH := handler.NewBootstrapHandler(d.Bootstrap, d.Limiter, d.Audits, d.Logger)
	authH := handler.NewAuthHandler(d.Auth, d.DB, d.Cfg, d.Limiter, d.Audits, d.Logger)
	adminH := handler.NewAdminHandler(d.Admin, d.Limiter, d.Audits, d.Logger)

	r.GET("/", systemH.Health)

	api := r.Group("/api")
	api.GET("/health", systemH.Health)
	api.GET("/system-status", systemH.SystemStatus)

	api.POST("/bootstrap", bootstrapH.Initiate)
	api.POST("/bootstrap/verify-otp", bootstrapH.VerifyOTP)

	authGroup := api.Group("/auth")
	authGroup.POST("/login", authH.Login)
	authGroup.POST("/first-time-password", bootstrapH.FirstTimePassword)
	authGroup.POST("/verify-2fa-setup", bootstrapH.Verify2FASetup)
	authGroup.POST("/forgot-password", authH.ForgotPassword)
	authGroup.POST("/forgot-password/verify-otp", authH.VerifyResetOTP)
	authGroup.POST("/reset-password", authH.ResetPassword)
	authGroup.POST("/verify-invitation", adminH.VerifyInvitation)
	authGroup.POST("/collaborator/set-password", adminH.CompleteSetup)
	authGroup.GET("/me", authH.Me)
	if d.Cfg.Security.RegistrationEnabled {
		authGroup.POST("/register", authH.Register)
	}

	userH := handler.NewUserHandler(d.Auth, d.Cfg)
	userGroup := api.Group("/user")
	userGroup.POST("/change-password", userH.ChangePassword)
	userGroup.POST("/enable-2fa", userH.Enable2FA)
	userGroup.POST("/verify-2fa", userH.Verify2FA)
	userGroup.POST("/disable-2fa", userH.Disable2FA)
	userGroup.POST("/regenerate-backup-codes", userH.RegenerateBackupCodes)

	adminGroup := api.Group("/admin")
	adminGroup.POST("/invite", adminH.Invite)
	adminGroup.GET("/collaborators", adminH.ListCollaborators)
	adminGroup.PATCH("/collaborators/:id", adminH.UpdateCollaborator)
	adminGroup.DELETE("/collaborators/:id", adminH.RemoveCollaborator)
	adminGroup.GET("/audit-logs", adminH.AuditLogs)

	r.NoRoute(func(c *gin.Context) {
		respond.Error(c, 404, respond.CodeNotFound, "route not found")
	})

	return r
}
