package extension

import (
	"time"

	"github.com/xraph/tally/plan"
)

// Config holds the tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableRoutes prevents the HTTP server from being provided to the
	// container.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents store migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// SessionSecret signs session cookies. Required.
	SessionSecret string `json:"session_secret" mapstructure:"session_secret" yaml:"session_secret"`

	// SessionTTL is the session lifetime (default: 120h).
	SessionTTL time.Duration `json:"session_ttl" mapstructure:"session_ttl" yaml:"session_ttl"`

	// InsecureCookies drops the Secure attribute, for local development
	// over plain HTTP.
	InsecureCookies bool `json:"insecure_cookies" mapstructure:"insecure_cookies" yaml:"insecure_cookies"`

	// IdentityIssuer and IdentityAudience configure ID token verification
	// against the issuer's JWKS. JWKSURL overrides the discovered key set.
	IdentityIssuer   string `json:"identity_issuer" mapstructure:"identity_issuer" yaml:"identity_issuer"`
	IdentityAudience string `json:"identity_audience" mapstructure:"identity_audience" yaml:"identity_audience"`
	JWKSURL          string `json:"jwks_url" mapstructure:"jwks_url" yaml:"jwks_url"`

	// WebhookSecret verifies payment provider webhooks.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// WriteTimeout bounds each queued write (default: 10s).
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout" yaml:"write_timeout"`

	// RedisAddr enables shared session revocations when set.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// AllowedOrigins are the browser origins allowed to send credentials.
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// Plans replaces the default plan catalog when non-empty.
	Plans []plan.Plan `json:"plans" mapstructure:"plans" yaml:"plans"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:   120 * time.Hour,
		WriteTimeout: 10 * time.Second,
	}
}
