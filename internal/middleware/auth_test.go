package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/models"
	"github.com/apistudio/server/internal/token"
)

type fakeLock struct{ locked bool }

func (f *fakeLock) IsLocked(context.Context) (bool, error) { return f.locked, nil }

type gateFixture struct {
	db     *gorm.DB
	tokens *token.Manager
	lock   *fakeLock
	engine *gin.Engine
	seen   *Identity
}

func newGateFixture(t *testing.T, mode string) *gateFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{AppMode: mode, JWT: config.JWTConfig{Secret: "0123456789abcdef0123456789abcdef", Issuer: "test"}}
	tokens, err := token.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	f := &gateFixture{db: db, tokens: tokens, lock: &fakeLock{}}
	gate := NewGate(cfg, db, tokens, f.lock, nil)

	r := gin.New()
	r.Use(gate.Handler())
	capture := func(c *gin.Context) {
		if id, ok := CurrentIdentity(c); ok {
			f.seen = &id
		}
		c.Status(http.StatusOK)
	}
	r.GET("/api/system-status", capture)
	r.POST("/api/bootstrap", capture)
	r.POST("/api/auth/login", capture)
	r.GET("/api/workspaces", capture)
	r.POST("/api/workspaces", capture)
	r.GET("/api/admin/collaborators", capture)
	f.engine = r
	return f
}

func (f *gateFixture) createUser(t *testing.T, email, role, status string) *models.User {
	t.Helper()
	user := &models.User{Username: email, Email: email, PasswordHash: "x", Role: role, Status: status}
	if err := f.db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (f *gateFixture) request(t *testing.T, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	f.seen = nil
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *gateFixture) sessionFor(t *testing.T, u *models.User) string {
	t.Helper()
	tok, err := f.tokens.CreateSession(u.ID, u.Email, u.Role, u.Name, time.Hour)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return tok
}

func TestGateLocalModePassesEverything(t *testing.T) {
	f := newGateFixture(t, config.ModeLocal)

	if w := f.request(t, http.MethodGet, "/api/admin/collaborators", ""); w.Code != http.StatusOK {
		t.Fatalf("local mode admin route = %d, want 200", w.Code)
	}
	if f.seen != nil {
		t.Fatal("local mode should not attach an identity")
	}
}

func TestGateLockDominatesPublicRoutes(t *testing.T) {
	f := newGateFixture(t, config.ModeHosted)
	f.lock.locked = true

	if w := f.request(t, http.MethodPost, "/api/bootstrap", ""); w.Code != http.StatusOK {
		t.Fatalf("bootstrap while locked = %d, want 200", w.Code)
	}
	if w := f.request(t, http.MethodGet, "/api/system-status", ""); w.Code != http.StatusOK {
		t.Fatalf("system-status while locked = %d, want 200", w.Code)
	}
	// Login is public once unlocked, but locked wins.
	if w := f.request(t, http.MethodPost, "/api/auth/login", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("login while locked = %d, want 503", w.Code)
	}
}

func TestGateRequiresBearerToken(t *testing.T) {
	f := newGateFixture(t, config.ModeHosted)

	if w := f.request(t, http.MethodGet, "/api/workspaces", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", w.Code)
	}
	if w := f.request(t, http.MethodGet, "/api/workspaces", "not-a-jwt"); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", w.Code)
	}
}

func TestGateRejectsNonSessionTokens(t *testing.T) {
	f := newGateFixture(t, config.ModeHosted)
	f.createUser(t, "a@example.com", "admin", models.StatusActive)

	temp, err := f.tokens.CreateTemporary(token.Claims{Email: "a@example.com", Purpose: "admin_setup"}, time.Hour)
	if err != nil {
		t.Fatalf("CreateTemporary: %v", err)
	}
	if w := f.request(t, http.MethodGet, "/api/workspaces", temp); w.Code != http.StatusUnauthorized {
		t.Fatalf("temporary token on protected route = %d, want 401", w.Code)
	}
}

func TestGateChecksUserLiveness(t *testing.T) {
	f := newGateFixture(t, config.ModeHosted)

	ghost := f.createUser(t, "ghost@example.com", "editor", models.StatusActive)
	tok := f.sessionFor(t, ghost)
	if err := f.db.Delete(ghost).Error; err != nil {
		t.Fatalf("delete: %v", err)
	}
	if w := f.request(t, http.MethodGet, "/api/workspaces", tok); w.Code != http.StatusUnauthorized {
		t.Fatalf("deleted user = %d, want 401", w.Code)
	}

	pending := f.createUser(t, "pending@example.com", "editor", models.StatusPending2FA)
	if w := f.request(t, http.MethodGet, "/api/workspaces", f.sessionFor(t, pending)); w.Code != http.StatusForbidden {
		t.Fatalf("inactive user = %d, want 403", w.Code)
	}

	locked := f.createUser(t, "locked@example.com", "editor", models.StatusActive)
	until := time.Now().Add(10 * time.Minute)
	if err := f.db.Model(locked).Update("locked_until", until).Error; err != nil {
		t.Fatalf("lock user: %v", err)
	}
	if w := f.request(t, http.MethodGet, "/api/workspaces", f.sessionFor(t, locked)); w.Code != http.StatusForbidden {
		t.Fatalf("locked user = %d, want 403", w.Code)
	}
}

func TestGateAttachesIdentity(t *testing.T) {
	f := newGateFixture(t, config.ModeHosted)
	user := f.createUser(t, "ed@example.com", "editor", models.StatusActive)

	if w := f.request(t, http.MethodGet, "/api/workspaces", f.sessionFor(t, user)); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if f.seen == nil {
		t.Fatal("identity not attached")
	}
	if f.seen.UserID != user.ID || f.seen.Email != "ed@example.com" || f.seen.Role != "editor" {
		t.Fatalf("unexpected identity: %+v", f.seen)
	}
}

func TestGateAdminPrefixRequiresAdmin(t *testing.T) {
	f := newGateFixture(t, config.ModeHosted)
	editor := f.createUser(t, "ed@example.com", "editor", models.StatusActive)
	admin := f.createUser(t, "ad@example.com", "admin", models.StatusActive)

	if w := f.request(t, http.MethodGet, "/api/admin/collaborators", f.sessionFor(t, editor)); w.Code != http.StatusForbidden {
		t.Fatalf("editor on admin route = %d, want 403", w.Code)
	}
	if w := f.request(t, http.MethodGet, "/api/admin/collaborators", f.sessionFor(t, admin)); w.Code != http.StatusOK {
		t.Fatalf("admin on admin route = %d, want 200", w.Code)
	}
}

func TestGateContentWritesRequireEditor(t *testing.T) {
	f := newGateFixture(t, config.ModeHosted)
	viewer := f.createUser(t, "v@example.com", "viewer", models.StatusActive)
	editor := f.createUser(t, "e@example.com", "editor", models.StatusActive)

	if w := f.request(t, http.MethodGet, "/api/workspaces", f.sessionFor(t, viewer)); w.Code != http.StatusOK {
		t.Fatalf("viewer read = %d, want 200", w.Code)
	}
	if w := f.request(t, http.MethodPost, "/api/workspaces", f.sessionFor(t, viewer)); w.Code != http.StatusForbidden {
		t.Fatalf("viewer write = %d, want 403", w.Code)
	}
	if w := f.request(t, http.MethodPost, "/api/workspaces", f.sessionFor(t, editor)); w.Code != http.StatusOK {
		t.Fatalf("editor write = %d, want 200", w.Code)
	}
}
