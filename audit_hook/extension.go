// Package audithook bridges tally events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any audit product. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/errbus"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/usage"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin             = (*Extension)(nil)
	_ plugin.OnSessionCreated   = (*Extension)(nil)
	_ plugin.OnSessionDestroyed = (*Extension)(nil)
	_ plugin.OnQuotaExceeded    = (*Extension)(nil)
	_ plugin.OnUsageCommitted   = (*Extension)(nil)
	_ plugin.OnPlanChanged      = (*Extension)(nil)
	_ plugin.OnWriteFailed      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges tally events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionCreated implements plugin.OnSessionCreated.
func (e *Extension) OnSessionCreated(ctx context.Context, subject, sessionID string) error {
	return e.record(ctx, ActionSessionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSession, sessionID, CategoryAuth, nil,
		"subject", subject,
	)
}

// OnSessionDestroyed implements plugin.OnSessionDestroyed.
func (e *Extension) OnSessionDestroyed(ctx context.Context, subject string) error {
	return e.record(ctx, ActionSessionDestroyed, SeverityInfo, OutcomeSuccess,
		ResourceSession, "", CategoryAuth, nil,
		"subject", subject,
	)
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, subject, feature string, used, limit int64) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceUsage, usage.Path(subject), CategoryAccess, nil,
		"subject", subject,
		"feature", feature,
		"used", used,
		"limit", limit,
	)
}

// OnUsageCommitted implements plugin.OnUsageCommitted.
func (e *Extension) OnUsageCommitted(ctx context.Context, subject, feature string, remaining int64) error {
	return e.record(ctx, ActionUsageCommitted, SeverityInfo, OutcomeSuccess,
		ResourceUsage, usage.Path(subject), CategoryUsage, nil,
		"subject", subject,
		"feature", feature,
		"remaining", remaining,
	)
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnPlanChanged implements plugin.OnPlanChanged.
func (e *Extension) OnPlanChanged(ctx context.Context, subject, tier, subscriptionID string) error {
	action := ActionPlanUpgraded
	if plan.Tier(tier) == plan.Starter {
		action = ActionPlanDowngraded
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourcePlan, subscriptionID, CategoryBilling, nil,
		"subject", subject,
		"plan", tier,
	)
}

// ──────────────────────────────────────────────────
// Write hooks
// ──────────────────────────────────────────────────

// OnWriteFailed implements plugin.OnWriteFailed.
func (e *Extension) OnWriteFailed(ctx context.Context, ev errbus.FailureEvent) error {
	action, severity := ActionWriteFailed, SeverityError
	if ev.Kind == errbus.KindPermissionDenied {
		action, severity = ActionPermissionDenied, SeverityCritical
	}
	return e.record(ctx, action, severity, OutcomeFailure,
		ResourceRecord, ev.Path, CategoryStorage, ev.Err,
		"failure_id", ev.ID.String(),
		"operation", ev.Operation,
		"code", ev.Code,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
