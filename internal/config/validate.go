package config

import "fmt"

// Finding severities. Errors block startup in hosted mode, warnings are
// logged and startup continues.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

type Finding struct {
	Severity string
	Field    string
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Field, f.Message)
}

const minJWTSecretLength = 32

// Validate checks deployment-critical settings. Local mode only gets the
// universal checks; hosted mode additionally requires a strong JWT secret,
// a bootstrap token and a complete SMTP configuration.
func (c *Config) Validate() []Finding {
	var findings []Finding

	errf := func(field, msg string, args ...any) {
		findings = append(findings, Finding{SeverityError, field, fmt.Sprintf(msg, args...)})
	}
	warnf := func(field, msg string, args ...any) {
		findings = append(findings, Finding{SeverityWarning, field, fmt.Sprintf(msg, args...)})
	}

	if c.AppMode != ModeLocal && c.AppMode != ModeHosted {
		errf("app_mode", "must be %q or %q, got %q", ModeLocal, ModeHosted, c.AppMode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errf("server.port", "invalid port %d", c.Server.Port)
	}
	if c.JWT.SessionTTLMinutes <= 0 {
		errf("jwt.session_ttl_minutes", "must be positive")
	}
	if c.Bootstrap.MaxOTPAttempts < 1 {
		errf("bootstrap.max_otp_attempts", "must be at least 1")
	}
	if c.Security.MaxFailedLogins < 3 {
		warnf("security.max_failed_logins", "values below 3 lock users out aggressively")
	}

	if !c.IsHosted() {
		return findings
	}

	switch {
	case c.JWT.Secret == "":
		errf("jwt.secret", "required in hosted mode")
	case len(c.JWT.Secret) < minJWTSecretLength:
		errf("jwt.secret", "must be at least %d characters", minJWTSecretLength)
	case c.JWT.Secret == "change-me" || c.JWT.Secret == "secret":
		errf("jwt.secret", "placeholder value must be replaced")
	}

	switch {
	case c.Bootstrap.AdminToken == "":
		errf("bootstrap.admin_token", "required in hosted mode")
	case len(c.Bootstrap.AdminToken) < 16:
		errf("bootstrap.admin_token", "must be at least 16 characters")
	}

	if c.SMTP.Host == "" {
		errf("smtp.host", "required in hosted mode")
	}
	if c.SMTP.From == "" {
		errf("smtp.from", "required in hosted mode")
	}
	if c.SMTP.Username == "" || c.SMTP.Password == "" {
		warnf("smtp", "no credentials configured; most providers reject unauthenticated mail")
	}
	if !c.SMTP.UseTLS {
		warnf("smtp.use_tls", "TLS disabled; OTP emails travel in cleartext")
	}
	if c.Security.LockoutMinutes < 5 {
		warnf("security.lockout_minutes", "short lockouts weaken brute-force protection")
	}

	return findings
}

// HasErrors reports whether any finding is severity error.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}
