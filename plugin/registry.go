package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tally/errbus"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit             []OnInit
	onShutdown         []OnShutdown
	onSessionCreated   []OnSessionCreated
	onSessionDestroyed []OnSessionDestroyed
	onQuotaExceeded    []OnQuotaExceeded
	onUsageCommitted   []OnUsageCommitted
	onPlanChanged      []OnPlanChanged
	onWriteFailed      []OnWriteFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its hooks.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSessionCreated); ok {
		r.onSessionCreated = append(r.onSessionCreated, v)
	}
	if v, ok := p.(OnSessionDestroyed); ok {
		r.onSessionDestroyed = append(r.onSessionDestroyed, v)
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
	}
	if v, ok := p.(OnUsageCommitted); ok {
		r.onUsageCommitted = append(r.onUsageCommitted, v)
	}
	if v, ok := p.(OnPlanChanged); ok {
		r.onPlanChanged = append(r.onPlanChanged, v)
	}
	if v, ok := p.(OnWriteFailed); ok {
		r.onWriteFailed = append(r.onWriteFailed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", implementedHooks(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnSessionCreated", reflect.TypeFor[OnSessionCreated]()},
	{"OnSessionDestroyed", reflect.TypeFor[OnSessionDestroyed]()},
	{"OnQuotaExceeded", reflect.TypeFor[OnQuotaExceeded]()},
	{"OnUsageCommitted", reflect.TypeFor[OnUsageCommitted]()},
	{"OnPlanChanged", reflect.TypeFor[OnPlanChanged]()},
	{"OnWriteFailed", reflect.TypeFor[OnWriteFailed]()},
}

// implementedHooks lists the hooks p implements.
func implementedHooks(p Plugin) []string {
	var hooks []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.typ) {
			hooks = append(hooks, h.name)
		}
	}
	return hooks
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnInit", p, func() error { return p.OnInit(ctx, engine) })
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnShutdown", p, func() error { return p.OnShutdown(ctx) })
	}
}

// EmitSessionCreated emits a session created event.
func (r *Registry) EmitSessionCreated(ctx context.Context, subject, sessionID string) {
	r.mu.RLock()
	plugins := r.onSessionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnSessionCreated", p, func() error { return p.OnSessionCreated(ctx, subject, sessionID) })
	}
}

// EmitSessionDestroyed emits a session destroyed event.
func (r *Registry) EmitSessionDestroyed(ctx context.Context, subject string) {
	r.mu.RLock()
	plugins := r.onSessionDestroyed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnSessionDestroyed", p, func() error { return p.OnSessionDestroyed(ctx, subject) })
	}
}

// EmitQuotaExceeded emits a quota exceeded event.
func (r *Registry) EmitQuotaExceeded(ctx context.Context, subject, feature string, used, limit int64) {
	r.mu.RLock()
	plugins := r.onQuotaExceeded
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnQuotaExceeded", p, func() error { return p.OnQuotaExceeded(ctx, subject, feature, used, limit) })
	}
}

// EmitUsageCommitted emits a usage committed event.
func (r *Registry) EmitUsageCommitted(ctx context.Context, subject, feature string, remaining int64) {
	r.mu.RLock()
	plugins := r.onUsageCommitted
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnUsageCommitted", p, func() error { return p.OnUsageCommitted(ctx, subject, feature, remaining) })
	}
}

// EmitPlanChanged emits a plan changed event.
func (r *Registry) EmitPlanChanged(ctx context.Context, subject, plan, subscriptionID string) {
	r.mu.RLock()
	plugins := r.onPlanChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnPlanChanged", p, func() error { return p.OnPlanChanged(ctx, subject, plan, subscriptionID) })
	}
}

// EmitWriteFailed emits a write failure. It has the errbus.Handler
// signature so the registry can subscribe to the error bus directly.
func (r *Registry) EmitWriteFailed(ctx context.Context, ev errbus.FailureEvent) {
	r.mu.RLock()
	plugins := r.onWriteFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnWriteFailed", p, func() error { return p.OnWriteFailed(ctx, ev) })
	}
}

// call runs one hook and logs its failure. Hooks never fail the caller.
func (r *Registry) call(ctx context.Context, hook string, p Plugin, fn func() error) {
	if err := r.callWithTimeout(ctx, p.Name(), fn); err != nil {
		r.logger.Warn("plugin hook failed",
			"hook", hook,
			"plugin", p.Name(),
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block a request.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panicked: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
