package engine

import (
	"context"

	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/quota"
	"github.com/xraph/tally/session"
)

var (
	_ session.Observer = observers{}
	_ quota.Observer   = observers{}
	_ billing.Observer = observers{}
)

// observers forwards component events to the plugin registry.
type observers struct {
	plugins *plugin.Registry
}

func (o observers) SessionCreated(ctx context.Context, s *session.Session) {
	o.plugins.EmitSessionCreated(ctx, s.SubjectID, s.ID)
}

func (o observers) SessionDestroyed(ctx context.Context, subject string) {
	o.plugins.EmitSessionDestroyed(ctx, subject)
}

func (o observers) QuotaExceeded(ctx context.Context, subject, feature string, used, limit int64) {
	o.plugins.EmitQuotaExceeded(ctx, subject, feature, used, limit)
}

func (o observers) UsageCommitted(ctx context.Context, subject, feature string, remaining int64) {
	o.plugins.EmitUsageCommitted(ctx, subject, feature, remaining)
}

func (o observers) PlanChanged(ctx context.Context, subject string, tier plan.Tier, subscriptionID string) {
	o.plugins.EmitPlanChanged(ctx, subject, string(tier), subscriptionID)
}
