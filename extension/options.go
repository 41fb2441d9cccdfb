package extension

import (
	"time"

	"github.com/xraph/tally/engine"
	"github.com/xraph/tally/httpapi"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/store"
)

// Option configures the tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes an engine.Option through to the engine.
func WithEngineOption(opt engine.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a tally plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, engine.WithPlugin(p))
	}
}

// WithIdentityVerifier sets the verifier used at sign-in instead of the
// configured JWKS issuer.
func WithIdentityVerifier(v session.IdentityVerifier) Option {
	return func(e *Extension) { e.verifier = v }
}

// WithGenerator registers the generator behind a gated feature.
func WithGenerator(feature string, g httpapi.Generator) Option {
	return func(e *Extension) {
		if e.generators == nil {
			e.generators = make(map[string]httpapi.Generator)
		}
		e.generators[feature] = g
	}
}

// WithValidator sets the gated input validator.
func WithValidator(v httpapi.Validator) Option {
	return func(e *Extension) { e.validator = v }
}

// WithCheckout sets the checkout starter used by /billing/checkout.
func WithCheckout(c httpapi.Checkout) Option {
	return func(e *Extension) { e.checkout = c }
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the HTTP server from being provided.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents store migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithSessionSecret sets the session signing secret.
func WithSessionSecret(secret string) Option {
	return func(e *Extension) { e.config.SessionSecret = secret }
}

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.SessionTTL = d }
}

// WithWebhookSecret sets the webhook signing secret.
func WithWebhookSecret(secret string) Option {
	return func(e *Extension) { e.config.WebhookSecret = secret }
}

// WithWriteTimeout bounds each queued write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.WriteTimeout = d }
}
