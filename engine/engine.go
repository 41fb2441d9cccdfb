// Package engine composes tally's session manager, mutation queue, error bus,
// quota gate and billing handler over one document store, and routes their
// events to the plugin registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tally"
	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/errbus"
	"github.com/xraph/tally/mutation"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/quota"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/store"
)

// Migrator is implemented by stores that prepare their schema or indexes.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Engine is the composed tally core.
type Engine struct {
	store    store.Store
	bus      *errbus.Bus
	queue    *mutation.Queue
	sessions *session.Manager
	gate     *quota.Gate
	webhooks *billing.Handler
	catalog  *plan.Catalog
	plugins  *plugin.Registry
	logger   *slog.Logger

	// Configuration
	sessionSecret []byte
	verifier      session.IdentityVerifier
	webhookSecret string
	writeTimeout  time.Duration
	tracer        trace.Tracer
	now           func() time.Time
	sessionOpts   []session.Option
	billingOpts   []billing.Option

	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and every component.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.logger.Warn("plugin registration skipped", "name", p.Name(), "error", err)
		}
	}
}

// WithCatalog sets the plan catalog.
func WithCatalog(c *plan.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithSessionSecret sets the key session artifacts are signed with.
func WithSessionSecret(secret []byte) Option {
	return func(e *Engine) { e.sessionSecret = secret }
}

// WithIdentityVerifier sets the identity provider verifier used at sign-in.
func WithIdentityVerifier(v session.IdentityVerifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithSessionOptions passes options through to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(e *Engine) { e.sessionOpts = append(e.sessionOpts, opts...) }
}

// WithWebhookSecret sets the payment provider's webhook signing secret.
func WithWebhookSecret(secret string) Option {
	return func(e *Engine) { e.webhookSecret = secret }
}

// WithBillingOptions passes options through to the webhook handler.
func WithBillingOptions(opts ...billing.Option) Option {
	return func(e *Engine) { e.billingOpts = append(e.billingOpts, opts...) }
}

// WithWriteTimeout bounds each queued write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.writeTimeout = d }
}

// WithTracer sets the tracer for quota runs and writes.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock sets the clock for every component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds the engine over s. The session secret and identity verifier are
// required.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil store", tally.ErrInvalidInput)
	}

	e := &Engine{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
		catalog: plan.DefaultCatalog(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.bus = errbus.New(errbus.WithLogger(e.logger))

	queueOpts := []mutation.Option{mutation.WithLogger(e.logger), mutation.WithClock(e.now)}
	if e.writeTimeout > 0 {
		queueOpts = append(queueOpts, mutation.WithTimeout(e.writeTimeout))
	}
	if e.tracer != nil {
		queueOpts = append(queueOpts, mutation.WithTracer(e.tracer))
	}
	e.queue = mutation.New(s, e.bus, queueOpts...)

	obs := observers{plugins: e.plugins}

	sessOpts := append([]session.Option{
		session.WithLogger(e.logger),
		session.WithClock(e.now),
		session.WithObserver(obs),
	}, e.sessionOpts...)
	sessions, err := session.NewManager(e.sessionSecret, e.verifier, sessOpts...)
	if err != nil {
		return nil, err
	}
	e.sessions = sessions

	gateOpts := []quota.Option{
		quota.WithCatalog(e.catalog),
		quota.WithObserver(obs),
		quota.WithLogger(e.logger),
		quota.WithClock(e.now),
	}
	if e.tracer != nil {
		gateOpts = append(gateOpts, quota.WithTracer(e.tracer))
	}
	e.gate = quota.NewGate(sessions, s, e.queue, gateOpts...)

	billOpts := append([]billing.Option{
		billing.WithLogger(e.logger),
		billing.WithObserver(obs),
	}, e.billingOpts...)
	e.webhooks = billing.NewHandler(e.webhookSecret, e.queue, billOpts...)

	return e, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store when it supports it, routes write failures to the
// log and the plugins, and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("%w: engine stopped", tally.ErrQueueClosed)
	}
	if e.started {
		return nil
	}

	if m, ok := e.store.(Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("tally: migrate: %w", err)
		}
	}

	logFailure := errbus.LogSubscriber(e.logger)
	for _, topic := range e.bus.Topics() {
		e.unsubscribe = append(e.unsubscribe,
			e.bus.Subscribe(topic, logFailure),
			e.bus.Subscribe(topic, e.plugins.EmitWriteFailed),
		)
	}

	e.plugins.EmitInit(ctx, e)
	e.started = true

	e.logger.Info("tally started",
		"plans", len(e.catalog.Plans()),
		"plugins", e.plugins.Count(),
		"billing", e.webhookSecret != "",
	)
	return nil
}

// Stop drains queued writes, waits for failure handlers, shuts plugins down
// and closes the store. A stopped engine cannot be restarted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tally: drain writes: %w", err))
	}
	e.bus.Close()
	for _, unsub := range e.unsubscribe {
		unsub()
	}
	e.unsubscribe = nil

	e.plugins.EmitShutdown(ctx)

	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tally: close store: %w", err))
	}
	e.started = false
	e.stopped = true

	e.logger.Info("tally stopped")
	return errors.Join(errs...)
}

// Ping reports store health.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Store returns the document store.
func (e *Engine) Store() store.Store { return e.store }

// Bus returns the error bus.
func (e *Engine) Bus() *errbus.Bus { return e.bus }

// Queue returns the mutation queue.
func (e *Engine) Queue() *mutation.Queue { return e.queue }

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Gate returns the quota gate.
func (e *Engine) Gate() *quota.Gate { return e.gate }

// Webhooks returns the billing webhook handler.
func (e *Engine) Webhooks() *billing.Handler { return e.webhooks }

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *plan.Catalog { return e.catalog }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }
