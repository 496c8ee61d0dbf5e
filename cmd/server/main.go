package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/apistudio/server/internal/admin"
	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/auth"
	"github.com/apistudio/server/internal/bootstrap"
	"github.com/apistudio/server/internal/config"
	"github.com/apistudio/server/internal/database"
	"github.com/apistudio/server/internal/mail"
	"github.com/apistudio/server/internal/otpflow"
	"github.com/apistudio/server/internal/password"
	"github.com/apistudio/server/internal/ratelimit"
	"github.com/apistudio/server/internal/router"
	"github.com/apistudio/server/internal/token"
	"github.com/apistudio/server/internal/totp"
	"github.com/apistudio/server/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.Init(logging.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	findings := cfg.Validate()
	for _, f := range findings {
		switch f.Severity {
		case config.SeverityError:
			logger.Error("config", zap.String("field", f.Field), zap.String("problem", f.Message))
		default:
			logger.Warn("config", zap.String("field", f.Field), zap.String("problem", f.Message))
		}
	}
	if config.HasErrors(findings) {
		logger.Fatal("configuration is invalid, refusing to start")
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("create data dir", zap.Error(err))
		}
	}
	db, err := database.Init(cfg.Database)
	if err != nil {
		logger.Fatal("init database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	hasher, err := password.NewHasher(password.Config{
		MemoryKB:    cfg.Security.Argon2MemoryKB,
		Time:        cfg.Security.Argon2Time,
		Parallelism: cfg.Security.Argon2Parallelism,
	})
	if err != nil {
		logger.Fatal("init hasher", zap.Error(err))
	}
	tokens, err := token.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		logger.Fatal("init token manager", zap.Error(err))
	}
	totpMgr := totp.NewManager(cfg.Security.TOTPIssuer)
	otp := otpflow.New(db, cfg.OTPExpiry(), cfg.Bootstrap.MaxOTPAttempts)

	var store ratelimit.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = ratelimit.NewRedisStore(client)
		logger.Info("rate limiter backed by redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(store, ratelimit.DefaultRules())

	sink := audit.NewJSONWriterSink(os.Stdout)
	tap := audit.NewDispatcher(sink, 256)
	defer tap.Close()
	audits := audit.NewRecorder(db, logger, tap)

	mailer := mail.NewSMTPMailer(cfg.SMTP, logger)

	bootSvc := bootstrap.NewService(db, cfg, hasher, totpMgr, tokens, otp, mailer, audits, logger)
	authSvc := auth.NewService(db, cfg, hasher, totpMgr, tokens, otp, mailer, audits, logger)
	adminSvc := admin.NewService(db, cfg, hasher, totpMgr, tokens, otp, mailer, audits, logger)

	engine := router.New(router.Deps{
		Cfg:       cfg,
		DB:        db,
		Tokens:    tokens,
		Limiter:   limiter,
		Audits:    audits,
		Bootstrap: bootSvc,
		Auth:      authSvc,
		Admin:     adminSvc,
		Logger:    logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	logger.Info("server starting", zap.String("addr", addr), zap.String("mode", cfg.AppMode))
	if err := engine.Run(addr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
