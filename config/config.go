// Package config loads and validates tallyd configuration from the environment
// and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds tallyd configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment ("development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogFormat is "json" or "text".
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// SessionSecret signs session cookies. Required.
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	// SessionTTLRaw is the session lifetime (e.g. "120h").
	SessionTTLRaw string `mapstructure:"SESSION_TTL"`
	// InsecureCookies drops the Secure cookie attribute. Refused in production.
	InsecureCookies bool `mapstructure:"INSECURE_COOKIES"`

	// IdentityIssuer is the ID token issuer; its JWKS verifies sign-ins. Required.
	IdentityIssuer string `mapstructure:"IDENTITY_ISSUER"`
	// IdentityAudience is the expected aud of ID tokens.
	IdentityAudience string `mapstructure:"IDENTITY_AUDIENCE"`
	// JWKSURL overrides the issuer's key set location.
	JWKSURL string `mapstructure:"JWKS_URL"`

	// MongoURI selects the MongoDB store; empty runs on the in-memory store.
	MongoURI string `mapstructure:"MONGO_URI"`
	// MongoDatabase is the database name.
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	// RedisAddr enables shared session revocations.
	RedisAddr string `mapstructure:"REDIS_ADDR"`

	// StripeSecretKey enables checkout sessions.
	StripeSecretKey string `mapstructure:"STRIPE_SECRET_KEY"`
	// StripeWebhookSecret verifies webhook deliveries.
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	// StripePriceID is the premium subscription price.
	StripePriceID string `mapstructure:"STRIPE_PRICE_ID"`
	// CheckoutSuccessURL and CheckoutCancelURL are the checkout return pages.
	CheckoutSuccessURL string `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL  string `mapstructure:"CHECKOUT_CANCEL_URL"`

	// GeneratorURL is the content service gated actions call.
	GeneratorURL string `mapstructure:"GENERATOR_URL"`
	// AllowedOriginsRaw is a comma-separated list of browser origins.
	AllowedOriginsRaw string `mapstructure:"ALLOWED_ORIGINS"`

	// WriteTimeoutRaw bounds each queued write (e.g. "10s").
	WriteTimeoutRaw string `mapstructure:"WRITE_TIMEOUT"`
	// ShutdownTimeoutRaw bounds graceful shutdown (e.g. "15s").
	ShutdownTimeoutRaw string `mapstructure:"SHUTDOWN_TIMEOUT"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Env vars override .env.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is ignored.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing file

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_TTL", "120h")
	v.SetDefault("INSECURE_COOKIES", false)
	v.SetDefault("IDENTITY_ISSUER", "")
	v.SetDefault("IDENTITY_AUDIENCE", "")
	v.SetDefault("JWKS_URL", "")
	v.SetDefault("MONGO_URI", "")
	v.SetDefault("MONGO_DATABASE", "tally")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("STRIPE_SECRET_KEY", "")
	v.SetDefault("STRIPE_WEBHOOK_SECRET", "")
	v.SetDefault("STRIPE_PRICE_ID", "")
	v.SetDefault("CHECKOUT_SUCCESS_URL", "")
	v.SetDefault("CHECKOUT_CANCEL_URL", "")
	v.SetDefault("GENERATOR_URL", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("WRITE_TIMEOUT", "10s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and combinations.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.SessionSecret == "" {
		return errors.New("config: SESSION_SECRET must be set")
	}
	if len(c.SessionSecret) < 32 && c.IsProduction() {
		return errors.New("config: SESSION_SECRET must be at least 32 bytes in production")
	}
	if c.IdentityIssuer == "" {
		return errors.New("config: IDENTITY_ISSUER must be set")
	}
	if c.InsecureCookies && c.IsProduction() {
		return errors.New("config: INSECURE_COOKIES must not be true when APP_ENV=production")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.StripeSecretKey != "" && c.StripePriceID == "" {
		return errors.New("config: STRIPE_PRICE_ID must be set with STRIPE_SECRET_KEY")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// SessionTTL parses SessionTTLRaw. Returns 120h if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.SessionTTLRaw, 120*time.Hour)
}

// WriteTimeout parses WriteTimeoutRaw. Returns 10s if unset or invalid.
func (c *Config) WriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeoutRaw, 10*time.Second)
}

// ShutdownTimeout parses ShutdownTimeoutRaw. Returns 15s if unset or invalid.
func (c *Config) ShutdownTimeout() time.Duration {
	return parseDuration(c.ShutdownTimeoutRaw, 15*time.Second)
}

// AllowedOrigins returns the origins from the comma-separated config.
func (c *Config) AllowedOrigins() []string {
	if c == nil || c.AllowedOriginsRaw == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOriginsRaw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return l, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
