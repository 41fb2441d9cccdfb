package audithook

// Action constants for audit events.
const (
	// Session actions
	ActionSessionCreated   = "session.created"
	ActionSessionDestroyed = "session.destroyed"

	// Quota actions
	ActionQuotaExceeded  = "quota.exceeded"
	ActionUsageCommitted = "usage.committed"

	// Billing actions
	ActionPlanUpgraded   = "plan.upgraded"
	ActionPlanDowngraded = "plan.downgraded"

	// Write actions
	ActionWriteFailed      = "write.failed"
	ActionPermissionDenied = "write.permission_denied"
)

// Resource constants for audit events.
const (
	ResourceSession = "session"
	ResourceUsage   = "usage"
	ResourcePlan    = "plan"
	ResourceRecord  = "record"
)

// Category constants for audit events.
const (
	CategoryAuth    = "auth"
	CategoryAccess  = "access"
	CategoryUsage   = "usage"
	CategoryBilling = "billing"
	CategoryStorage = "storage"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
