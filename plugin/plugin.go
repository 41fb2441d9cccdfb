// Package plugin provides an extensible plugin system for tally.
// Plugins hook into session, quota, billing and write-failure events.
package plugin

import (
	"context"

	"github.com/xraph/tally/errbus"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionCreated is called after a session is minted.
type OnSessionCreated interface {
	Plugin
	OnSessionCreated(ctx context.Context, subject, sessionID string) error
}

// OnSessionDestroyed is called after a session is destroyed.
type OnSessionDestroyed interface {
	Plugin
	OnSessionDestroyed(ctx context.Context, subject string) error
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnQuotaExceeded is called when a gated run is denied.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, subject, feature string, used, limit int64) error
}

// OnUsageCommitted is called when a gated run succeeds and its increment is
// issued.
type OnUsageCommitted interface {
	Plugin
	OnUsageCommitted(ctx context.Context, subject, feature string, remaining int64) error
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnPlanChanged is called after a plan change is stored.
type OnPlanChanged interface {
	Plugin
	OnPlanChanged(ctx context.Context, subject, plan, subscriptionID string) error
}

// ──────────────────────────────────────────────────
// Write hooks
// ──────────────────────────────────────────────────

// OnWriteFailed is called for every failure published on the error bus.
type OnWriteFailed interface {
	Plugin
	OnWriteFailed(ctx context.Context, ev errbus.FailureEvent) error
}
