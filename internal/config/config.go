// Package config loads the fundraiser service configuration from the
// environment, an optional .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// ConfigFileEnv names the variable pointing at an optional YAML overlay.
const ConfigFileEnv = "FUNDRAISER_CONFIG"

// DefaultJWTSecret is only acceptable for local development.
const DefaultJWTSecret = "change-me"

type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0" yaml:"host"`
	Port            int           `env:"SERVER_PORT,default=8080" yaml:"port"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=15s" yaml:"read_timeout"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=15s" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s" yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver       string `env:"DATABASE_DRIVER,default=memory" yaml:"driver"`
	DSN          string `env:"DATABASE_URL" yaml:"dsn"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS,default=20" yaml:"max_open_conns"`
	MaxIdleConns int    `env:"DATABASE_MAX_IDLE_CONNS,default=5" yaml:"max_idle_conns"`
	AutoMigrate  bool   `env:"DATABASE_AUTO_MIGRATE,default=true" yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" yaml:"addr"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB,default=0" yaml:"db"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET,default=change-me" yaml:"jwt_secret"`
	Issuer    string        `env:"JWT_ISSUER,default=fundraiser" yaml:"issuer"`
	TokenTTL  time.Duration `env:"JWT_TTL,default=24h" yaml:"token_ttl"`
	OTPTTL    time.Duration `env:"OTP_TTL,default=10m" yaml:"otp_ttl"`
}

type MailConfig struct {
	SMTPHost string `env:"SMTP_HOST" yaml:"smtp_host"`
	SMTPPort int    `env:"SMTP_PORT,default=587" yaml:"smtp_port"`
	Username string `env:"SMTP_USERNAME" yaml:"username"`
	Password string `env:"SMTP_PASSWORD" yaml:"password"`
	From     string `env:"MAIL_FROM,default=no-reply@fundraiser.local" yaml:"from"`
}

// VerifierConfig points at a block explorer API. The paths are gjson
// expressions evaluated against the explorer response.
type VerifierConfig struct {
	URL           string        `env:"VERIFIER_URL" yaml:"url"`
	APIKey        string        `env:"VERIFIER_API_KEY" yaml:"api_key"`
	TxPath        string        `env:"VERIFIER_TX_PATH,default=/tx/{tx}" yaml:"tx_path"`
	ConfirmedPath string        `env:"VERIFIER_CONFIRMED_PATH,default=confirmed" yaml:"confirmed_path"`
	ToPath        string        `env:"VERIFIER_TO_PATH,default=to" yaml:"to_path"`
	AmountPath    string        `env:"VERIFIER_AMOUNT_PATH,default=amount" yaml:"amount_path"`
	Timeout       time.Duration `env:"VERIFIER_TIMEOUT,default=10s" yaml:"timeout"`
}

type UploadConfig struct {
	Dir      string `env:"UPLOAD_DIR,default=uploads" yaml:"dir"`
	MaxBytes int64  `env:"UPLOAD_MAX_BYTES,default=5242880" yaml:"max_bytes"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `env:"RATE_LIMIT_RPS,default=20" yaml:"requests_per_second"`
	Burst             int `env:"RATE_LIMIT_BURST,default=40" yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=*" yaml:"allowed_origins"`
}

// Origins splits the comma separated origin list.
func (c CORSConfig) Origins() []string {
	return splitAndTrimCSV(c.AllowedOrigins)
}

type SchedulerConfig struct {
	Enabled    bool   `env:"SCHEDULER_ENABLED,default=true" yaml:"enabled"`
	ExpirySpec string `env:"SCHEDULER_EXPIRY_SPEC,default=@every 5m" yaml:"expiry_spec"`
	VerifySpec string `env:"SCHEDULER_VERIFY_SPEC,default=@every 1m" yaml:"verify_spec"`
}

type AuditConfig struct {
	File    string `env:"AUDIT_FILE" yaml:"file"`
	Entries int    `env:"AUDIT_ENTRIES,default=200" yaml:"entries"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Redis     RedisConfig          `yaml:"redis"`
	Auth      AuthConfig           `yaml:"auth"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Mail      MailConfig           `yaml:"mail"`
	Verifier  VerifierConfig       `yaml:"verifier"`
	Uploads   UploadConfig         `yaml:"uploads"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	CORS      CORSConfig           `yaml:"cors"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Audit     AuditConfig          `yaml:"audit"`
}

// Load reads .env (if present), decodes the environment and applies the YAML
// file named by FUNDRAISER_CONFIG on top.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyFile overlays the YAML document at path onto cfg.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth: JWT_SECRET is required")
	}
	if c.Auth.TokenTTL <= 0 || c.Auth.OTPTTL <= 0 {
		return errors.New("auth: token and otp ttl must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit: values must not be negative")
	}
	return nil
}

// UsesDefaultSecret reports whether the development JWT secret is in use.
func (c *Config) UsesDefaultSecret() bool {
	return c.Auth.JWTSecret == DefaultJWTSecret
}

func splitAndTrimCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
