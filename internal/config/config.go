package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Application modes. Local mode is a single-user desktop deployment with
// authentication disabled; hosted mode is the multi-user server deployment.
const (
	ModeLocal  = "local"
	ModeHosted = "hosted"
)

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	LogMode bool   `mapstructure:"log_mode"`
}

type JWTConfig struct {
	Secret            string `mapstructure:"secret"`
	Issuer            string `mapstructure:"issuer"`
	SessionTTLMinutes int    `mapstructure:"session_ttl_minutes"`
	TempTTLMinutes    int    `mapstructure:"temp_ttl_minutes"`
	ResetTTLMinutes   int    `mapstructure:"reset_ttl_minutes"`
}

type BootstrapConfig struct {
	AdminToken       string `mapstructure:"admin_token"`
	OTPExpiryMinutes int    `mapstructure:"otp_expiry_minutes"`
	MaxOTPAttempts   int    `mapstructure:"max_otp_attempts"`
}

type SecurityConfig struct {
	MaxFailedLogins       int    `mapstructure:"max_failed_logins"`
	LockoutMinutes        int    `mapstructure:"lockout_minutes"`
	RegistrationEnabled   bool   `mapstructure:"registration_enabled"`
	Argon2MemoryKB        uint32 `mapstructure:"argon2_memory_kb"`
	Argon2Time            uint32 `mapstructure:"argon2_time"`
	Argon2Parallelism     uint8  `mapstructure:"argon2_parallelism"`
	InvitationExpiryHours int    `mapstructure:"invitation_expiry_hours"`
	TOTPIssuer            string `mapstructure:"totp_issuer"`
	BackupCodeCount       int    `mapstructure:"backup_code_count"`
	BackupCodeLength      int    `mapstructure:"backup_code_length"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

type RedisConfig struct {
	// Addr empty means the in-process rate limiter store is used.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
}

type Config struct {
	AppMode   string          `mapstructure:"app_mode"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Security  SecurityConfig  `mapstructure:"security"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads configuration from the given yaml file (default
// "config.yaml" in the working directory) with APISTUDIO_* environment
// overrides, e.g. APISTUDIO_SMTP_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("APISTUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// the file is optional when env vars carry the config
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_mode", ModeLocal)
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("database.path", "data/apistudio.db")
	v.SetDefault("jwt.issuer", "api-studio")
	v.SetDefault("jwt.session_ttl_minutes", 8*60)
	v.SetDefault("jwt.temp_ttl_minutes", 15)
	v.SetDefault("jwt.reset_ttl_minutes", 30)
	v.SetDefault("bootstrap.otp_expiry_minutes", 10)
	v.SetDefault("bootstrap.max_otp_attempts", 3)
	v.SetDefault("security.max_failed_logins", 5)
	v.SetDefault("security.lockout_minutes", 30)
	v.SetDefault("security.registration_enabled", false)
	v.SetDefault("security.argon2_memory_kb", 64*1024)
	v.SetDefault("security.argon2_time", 2)
	v.SetDefault("security.argon2_parallelism", 2)
	v.SetDefault("security.invitation_expiry_hours", 24)
	v.SetDefault("security.totp_issuer", "API Studio")
	v.SetDefault("security.backup_code_count", 10)
	v.SetDefault("security.backup_code_length", 8)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.use_tls", true)
	v.SetDefault("log.level", "info")
}

func (c *Config) IsLocal() bool  { return c.AppMode == ModeLocal }
func (c *Config) IsHosted() bool { return c.AppMode == ModeHosted }

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.JWT.SessionTTLMinutes) * time.Minute
}

func (c *Config) TempTTL() time.Duration {
	return time.Duration(c.JWT.TempTTLMinutes) * time.Minute
}

func (c *Config) ResetTTL() time.Duration {
	return time.Duration(c.JWT.ResetTTLMinutes) * time.Minute
}

func (c *Config) OTPExpiry() time.Duration {
	return time.Duration(c.Bootstrap.OTPExpiryMinutes) * time.Minute
}

func (c *Config) InvitationExpiry() time.Duration {
	return time.Duration(c.Security.InvitationExpiryHours) * time.Hour
}

func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Security.LockoutMinutes) * time.Minute
}
