package config

import (
	"strings"
	"testing"
)

func validHosted() *Config {
	return &Config{
		AppMode: ModeHosted,
		Server:  ServerConfig{Port: 8080},
		JWT: JWTConfig{
			Secret:            "0123456789abcdef0123456789abcdef",
			SessionTTLMinutes: 480,
		},
		Bootstrap: BootstrapConfig{
			AdminToken:     "a-long-bootstrap-token",
			MaxOTPAttempts: 3,
		},
		Security: SecurityConfig{MaxFailedLogins: 5, LockoutMinutes: 30},
		SMTP: SMTPConfig{
			Host:     "smtp.example.com",
			From:     "noreply@example.com",
			Username: "u",
			Password: "p",
			UseTLS:   true,
		},
	}
}

func fieldsWithSeverity(findings []Finding, severity string) []string {
	var out []string
	for _, f := range findings {
		if f.Severity == severity {
			out = append(out, f.Field)
		}
	}
	return out
}

func TestValidateCleanHostedConfig(t *testing.T) {
	findings := validHosted().Validate()
	if HasErrors(findings) {
		t.Fatalf("unexpected errors: %v", fieldsWithSeverity(findings, SeverityError))
	}
}

func TestValidateHostedRequiresSecrets(t *testing.T) {
	cfg := validHosted()
	cfg.JWT.Secret = ""
	cfg.Bootstrap.AdminToken = ""
	cfg.SMTP.Host = ""
	cfg.SMTP.From = ""

	findings := cfg.Validate()
	if !HasErrors(findings) {
		t.Fatal("expected errors for missing hosted secrets")
	}
	errs := strings.Join(fieldsWithSeverity(findings, SeverityError), ",")
	for _, field := range []string{"jwt.secret", "bootstrap.admin_token", "smtp.host", "smtp.from"} {
		if !strings.Contains(errs, field) {
			t.Errorf("missing error for %s in %s", field, errs)
		}
	}
}

func TestValidateRejectsWeakSecrets(t *testing.T) {
	cfg := validHosted()
	cfg.JWT.Secret = "short"
	if !HasErrors(cfg.Validate()) {
		t.Fatal("short jwt secret accepted")
	}

	cfg = validHosted()
	cfg.Bootstrap.AdminToken = "tiny"
	if !HasErrors(cfg.Validate()) {
		t.Fatal("short bootstrap token accepted")
	}
}

func TestValidateLocalModeSkipsHostedChecks(t *testing.T) {
	cfg := &Config{
		AppMode:   ModeLocal,
		Server:    ServerConfig{Port: 8080},
		JWT:       JWTConfig{SessionTTLMinutes: 480},
		Bootstrap: BootstrapConfig{MaxOTPAttempts: 3},
		Security:  SecurityConfig{MaxFailedLogins: 5},
	}
	if HasErrors(cfg.Validate()) {
		t.Fatal("local mode should not require hosted secrets")
	}
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	cfg := validHosted()
	cfg.SMTP.UseTLS = false
	cfg.SMTP.Username = ""
	cfg.SMTP.Password = ""

	findings := cfg.Validate()
	if HasErrors(findings) {
		t.Fatal("warnings escalated to errors")
	}
	if len(fieldsWithSeverity(findings, SeverityWarning)) == 0 {
		t.Fatal("expected TLS and credential warnings")
	}
}

func TestValidateInvalidMode(t *testing.T) {
	cfg := validHosted()
	cfg.AppMode = "cloud"
	if !HasErrors(cfg.Validate()) {
		t.Fatal("unknown app mode accepted")
	}
}
