// Package extension provides the Forge extension adapter for tally.
//
// It implements the forge.Extension interface to integrate tally
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tally/engine"
	"github.com/xraph/tally/httpapi"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Session-gated plan quotas over a document store"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *engine.Engine
	server     *httpapi.Server
	store      store.Store
	verifier   session.IdentityVerifier
	generators map[string]httpapi.Generator
	validator  httpapi.Validator
	checkout   httpapi.Checkout
	engineOpts []engine.Option
}

// New creates a new tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *engine.Engine { return e.engine }

// Server returns the HTTP server, or nil when routes are disabled.
func (e *Extension) Server() *httpapi.Server { return e.server }

// Register implements [forge.Extension]. It loads configuration,
// builds the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.build(context.Background()); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*engine.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.server == nil {
		return nil
	}
	return vessel.Provide(fapp.Container(), func() (*httpapi.Server, error) {
		return e.server, nil
	})
}

// build constructs the engine and, unless routes are disabled, the HTTP
// server from the resolved config.
func (e *Extension) build(ctx context.Context) error {
	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildEngineOpts(ctx)
	if err != nil {
		return err
	}

	eng, err := engine.New(e.store, opts...)
	if err != nil {
		return err
	}
	e.engine = eng

	if !e.config.DisableRoutes {
		e.server = httpapi.New(httpapi.Deps{
			Sessions:   eng.Sessions(),
			Gate:       eng.Gate(),
			Queue:      eng.Queue(),
			Webhooks:   eng.Webhooks(),
			Checkout:   e.checkout,
			Health:     eng,
			Generators: e.generators,
			Validator:  e.validator,
		},
			httpapi.WithLogger(eng.Logger()),
			httpapi.WithAllowedOrigins(e.config.AllowedOrigins...),
		)
	}
	return nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(ctx); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs engine.Option values from the resolved config.
func (e *Extension) buildEngineOpts(ctx context.Context) ([]engine.Option, error) {
	opts := make([]engine.Option, 0, len(e.engineOpts)+6)

	verifier := e.verifier
	if verifier == nil {
		if e.config.IdentityIssuer == "" {
			return nil, errors.New("tally: an identity verifier or identity_issuer is required")
		}
		jwks, err := session.NewJWKSVerifier(ctx, session.JWKSConfig{
			Issuer:   e.config.IdentityIssuer,
			Audience: e.config.IdentityAudience,
			JWKSURL:  e.config.JWKSURL,
		})
		if err != nil {
			return nil, err
		}
		verifier = jwks
	}

	sessionOpts := []session.Option{
		session.WithTTL(e.config.SessionTTL),
		session.WithSecureCookie(!e.config.InsecureCookies),
	}
	if e.config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: e.config.RedisAddr})
		sessionOpts = append(sessionOpts, session.WithRevocations(session.NewRedisRevocations(client)))
	} else {
		sessionOpts = append(sessionOpts, session.WithRevocations(session.NewMemoryRevocations()))
	}

	opts = append(opts,
		engine.WithSessionSecret([]byte(e.config.SessionSecret)),
		engine.WithIdentityVerifier(verifier),
		engine.WithSessionOptions(sessionOpts...),
		engine.WithWebhookSecret(e.config.WebhookSecret),
		engine.WithWriteTimeout(e.config.WriteTimeout),
	)
	if len(e.config.Plans) > 0 {
		opts = append(opts, engine.WithCatalog(plan.NewCatalog(e.config.Plans...)))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("session_ttl", e.config.SessionTTL),
		forge.F("write_timeout", e.config.WriteTimeout),
		forge.F("identity_issuer", e.config.IdentityIssuer),
		forge.F("plans", len(e.config.Plans)),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind config", forge.F("key", key))
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.InsecureCookies {
		yamlConfig.InsecureCookies = true
	}

	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&yamlConfig.SessionSecret, programmaticConfig.SessionSecret)
	fill(&yamlConfig.IdentityIssuer, programmaticConfig.IdentityIssuer)
	fill(&yamlConfig.IdentityAudience, programmaticConfig.IdentityAudience)
	fill(&yamlConfig.JWKSURL, programmaticConfig.JWKSURL)
	fill(&yamlConfig.WebhookSecret, programmaticConfig.WebhookSecret)
	fill(&yamlConfig.RedisAddr, programmaticConfig.RedisAddr)

	if yamlConfig.SessionTTL == 0 {
		yamlConfig.SessionTTL = programmaticConfig.SessionTTL
	}
	if yamlConfig.WriteTimeout == 0 {
		yamlConfig.WriteTimeout = programmaticConfig.WriteTimeout
	}
	if len(yamlConfig.AllowedOrigins) == 0 {
		yamlConfig.AllowedOrigins = programmaticConfig.AllowedOrigins
	}
	if len(yamlConfig.Plans) == 0 {
		yamlConfig.Plans = programmaticConfig.Plans
	}

	return mergeWithDefaults(yamlConfig)
}
