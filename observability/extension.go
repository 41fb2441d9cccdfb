// Package observability provides a metrics plugin for tally that records
// session, quota, billing and write-failure counts.
package observability

import (
	"context"

	"github.com/xraph/tally/errbus"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin             = (*MetricsExtension)(nil)
	_ plugin.OnInit             = (*MetricsExtension)(nil)
	_ plugin.OnSessionCreated   = (*MetricsExtension)(nil)
	_ plugin.OnSessionDestroyed = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded    = (*MetricsExtension)(nil)
	_ plugin.OnUsageCommitted   = (*MetricsExtension)(nil)
	_ plugin.OnPlanChanged      = (*MetricsExtension)(nil)
	_ plugin.OnWriteFailed      = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide metrics.
// Register it as a tally plugin to track sessions, quota use and billing.
type MetricsExtension struct {
	factory MetricFactory

	// Session metrics
	SessionsCreated   Counter
	SessionsDestroyed Counter

	// Quota metrics
	QuotaExceeded   Counter
	UsageCommitted  Counter
	UsageRemaining  Histogram
	MealPlansUsed   Counter
	RecipesUsed     Counter
	UnlimitedUsages Counter

	// Billing metrics
	PlanUpgraded   Counter
	PlanDowngraded Counter

	// Write metrics
	WriteFailures      Counter
	PermissionFailures Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions, or NewOTelFactory with an
// OpenTelemetry meter.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		SessionsCreated:   factory.Counter("tally.session.created"),
		SessionsDestroyed: factory.Counter("tally.session.destroyed"),

		QuotaExceeded:   factory.Counter("tally.quota.exceeded"),
		UsageCommitted:  factory.Counter("tally.usage.committed"),
		UsageRemaining:  factory.Histogram("tally.usage.remaining"),
		MealPlansUsed:   factory.Counter("tally.usage.meal_plan"),
		RecipesUsed:     factory.Counter("tally.usage.recipe"),
		UnlimitedUsages: factory.Counter("tally.usage.unlimited"),

		PlanUpgraded:   factory.Counter("tally.plan.upgraded"),
		PlanDowngraded: factory.Counter("tally.plan.downgraded"),

		WriteFailures:      factory.Counter("tally.write.failures"),
		PermissionFailures: factory.Counter("tally.write.permission_denied"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(context.Context, any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionCreated implements plugin.OnSessionCreated.
func (m *MetricsExtension) OnSessionCreated(context.Context, string, string) error {
	m.SessionsCreated.Inc()
	return nil
}

// OnSessionDestroyed implements plugin.OnSessionDestroyed.
func (m *MetricsExtension) OnSessionDestroyed(context.Context, string) error {
	m.SessionsDestroyed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(context.Context, string, string, int64, int64) error {
	m.QuotaExceeded.Inc()
	return nil
}

// OnUsageCommitted implements plugin.OnUsageCommitted.
func (m *MetricsExtension) OnUsageCommitted(_ context.Context, _, feature string, remaining int64) error {
	m.UsageCommitted.Inc()
	switch feature {
	case plan.FeatureMealPlan:
		m.MealPlansUsed.Inc()
	case plan.FeatureRecipe:
		m.RecipesUsed.Inc()
	}
	if remaining == plan.Unlimited {
		m.UnlimitedUsages.Inc()
		return nil
	}
	m.UsageRemaining.Observe(float64(remaining))
	return nil
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnPlanChanged implements plugin.OnPlanChanged.
func (m *MetricsExtension) OnPlanChanged(_ context.Context, _, tier, _ string) error {
	if plan.Tier(tier) == plan.Starter {
		m.PlanDowngraded.Inc()
	} else {
		m.PlanUpgraded.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Write hooks
// ──────────────────────────────────────────────────

// OnWriteFailed implements plugin.OnWriteFailed.
func (m *MetricsExtension) OnWriteFailed(_ context.Context, ev errbus.FailureEvent) error {
	m.WriteFailures.Inc()
	if ev.Kind == errbus.KindPermissionDenied {
		m.PermissionFailures.Inc()
	}
	return nil
}
