// Package quota gates rate-limited features behind a session and a
// plan-based usage ceiling.
//
// Each Gate.Run is an independent state machine: verify the session, read
// the usage record, deny when the feature is exhausted, run the gated work,
// then increment the counter through the mutation queue. The read and the
// increment are not linked by a compare-and-swap, so concurrent runs for the
// same subject can overshoot a limit by up to the number of concurrent runs
// minus one. Failures after the check undercount, never overcount.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tally"
	"github.com/xraph/tally/mutation"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/usage"
)

const tracerName = "github.com/xraph/tally/quota"

// Outcome is the terminal state of a gated run.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess       Outcome = "success"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomeQuotaExceeded Outcome = "quota-exceeded"
	OutcomeWorkFailed    Outcome = "work-failed"
	OutcomeUnavailable   Outcome = "unavailable"
)

// Denial reasons reported in Status.Reason.
const (
	ReasonNotInPlan = "feature not in plan"
	ReasonExceeded  = "quota exceeded"
)

// Status is the quota position of one subject for one feature.
type Status struct {
	Allowed   bool      `json:"allowed"`
	Feature   string    `json:"feature"`
	Plan      plan.Tier `json:"plan"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Reason    string    `json:"reason,omitempty"`
}

// Unlimited reports whether the feature has no ceiling.
func (s Status) Unlimited() bool { return s.Allowed && s.Limit < 0 }

// Work is the gated unit of work. Its result is returned in Result.Data.
type Work func(ctx context.Context, claims *session.Claims) (any, error)

// Result is the outcome of Gate.Run.
type Result struct {
	Outcome   Outcome
	Subject   string
	Feature   string
	Data      any
	Remaining int64
	// Err explains every outcome but success. It wraps one of the tally
	// sentinels.
	Err error
	// Commit is the pending counter increment of a successful run.
	Commit *mutation.Handle
}

// OK reports whether the run succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Authenticator verifies session cookies.
type Authenticator interface {
	Verify(ctx context.Context, cookieValue string, checkRevocation bool) (*session.Claims, error)
}

// Reader reads usage documents.
type Reader interface {
	Get(ctx context.Context, path string) (store.Snapshot, error)
}

// Observer is notified about quota decisions.
type Observer interface {
	QuotaExceeded(ctx context.Context, subject, feature string, used, limit int64)
	UsageCommitted(ctx context.Context, subject, feature string, remaining int64)
}

// Gate runs gated work.
type Gate struct {
	auth     Authenticator
	reader   Reader
	queue    *mutation.Queue
	catalog  *plan.Catalog
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithCatalog sets the plan catalog. The default is plan.DefaultCatalog.
func WithCatalog(c *plan.Catalog) Option {
	return func(g *Gate) {
		if c != nil {
			g.catalog = c
		}
	}
}

// WithObserver installs a decision observer.
func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

// WithClock sets the clock stamped on counter writes.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate that authenticates with auth, reads usage through
// reader and commits increments through queue.
func NewGate(auth Authenticator, reader Reader, queue *mutation.Queue, opts ...Option) *Gate {
	g := &Gate{
		auth:    auth,
		reader:  reader,
		queue:   queue,
		catalog: plan.DefaultCatalog(),
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Catalog returns the gate's plan catalog.
func (g *Gate) Catalog() *plan.Catalog { return g.catalog }

// Run executes work for the session in cookieValue if feature has quota
// left, and counts the use afterwards.
func (g *Gate) Run(ctx context.Context, cookieValue, feature string, work Work) Result {
	ctx, span := g.tracer.Start(ctx, "tally.quota.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tally.feature", feature)),
	)
	defer span.End()

	res := g.run(ctx, cookieValue, feature, work)

	span.SetAttributes(
		attribute.String("tally.outcome", string(res.Outcome)),
		attribute.Int64("tally.remaining", res.Remaining),
	)
	if res.Err != nil && res.Outcome != OutcomeQuotaExceeded {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	return res
}

func (g *Gate) run(ctx context.Context, cookieValue, feature string, work Work) Result {
	res := Result{Feature: feature}

	// Unauthenticated.
	claims, err := g.auth.Verify(ctx, cookieValue, true)
	if err != nil {
		res.Outcome = OutcomeUnauthorized
		res.Err = err
		return res
	}
	res.Subject = claims.Subject

	// Checking.
	st, err := g.Check(ctx, claims.Subject, feature)
	if err != nil {
		g.logger.Error("quota: usage read failed", "subject", claims.Subject, "feature", feature, "error", err)
		res.Outcome = OutcomeUnavailable
		res.Err = err
		return res
	}
	if !st.Allowed {
		res.Outcome = OutcomeQuotaExceeded
		res.Err = tally.ErrQuotaExceeded
		if st.Reason == ReasonNotInPlan {
			res.Err = tally.ErrFeatureNotInPlan
		}
		g.logger.Info("quota exceeded", "subject", claims.Subject, "feature", feature, "used", st.Used, "limit", st.Limit)
		if g.observer != nil {
			g.observer.QuotaExceeded(ctx, claims.Subject, feature, st.Used, st.Limit)
		}
		return res
	}
	res.Remaining = st.Remaining

	// Executing.
	data, err := g.execute(ctx, claims, work)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		res.Outcome = OutcomeWorkFailed
		res.Err = fmt.Errorf("%w: %w", tally.ErrWorkFailed, err)
		return res
	}

	// Committing.
	res.Commit = g.queue.Upsert(ctx, usage.Path(claims.Subject), usage.IncrementFields(feature, g.now().UTC()))
	if !st.Unlimited() {
		res.Remaining = st.Remaining - 1
	}
	res.Outcome = OutcomeSuccess
	res.Data = data

	if g.observer != nil {
		g.observer.UsageCommitted(ctx, claims.Subject, feature, res.Remaining)
	}
	return res
}

func (g *Gate) execute(ctx context.Context, claims *session.Claims, work Work) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("quota: work panicked: %v", r)
		}
	}()
	return work(ctx, claims)
}

// Check reads subject's usage record and reports the quota position for
// feature. It fails with tally.ErrStoreUnavailable when the record cannot be
// read.
func (g *Gate) Check(ctx context.Context, subject, feature string) (Status, error) {
	rec, err := g.Record(ctx, subject)
	if err != nil {
		return Status{Feature: feature}, err
	}
	return Evaluate(g.catalog, rec, feature), nil
}

// Overview reports the record and the quota position of every catalog
// feature for subject.
func (g *Gate) Overview(ctx context.Context, subject string) (*usage.Record, []Status, error) {
	rec, err := g.Record(ctx, subject)
	if err != nil {
		return nil, nil, err
	}
	features := g.catalog.Features()
	out := make([]Status, 0, len(features))
	for _, f := range features {
		out = append(out, Evaluate(g.catalog, rec, f))
	}
	return rec, out, nil
}

// Record reads subject's usage record. A missing record decodes as a
// starter record with no usage.
func (g *Gate) Record(ctx context.Context, subject string) (*usage.Record, error) {
	path := usage.Path(subject)
	snap, err := g.reader.Get(ctx, path)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %w", tally.ErrStoreUnavailable, err)
	}
	if err != nil {
		snap = store.Snapshot{Path: path}
	}
	return usage.Decode(subject, snap), nil
}

// Evaluate computes the quota position of rec for feature under catalog.
func Evaluate(catalog *plan.Catalog, rec *usage.Record, feature string) Status {
	st := Status{Feature: feature, Plan: rec.Plan, Used: rec.Used(feature)}

	var f *plan.Feature
	if p, ok := catalog.Get(rec.Plan); ok {
		f = p.FindFeature(feature)
	}
	if f == nil {
		st.Reason = ReasonNotInPlan
		return st
	}
	st.Limit = f.Limit

	switch {
	case f.Unlimited():
		st.Allowed = true
		st.Remaining = plan.Unlimited
	case st.Used < f.Limit:
		st.Allowed = true
		st.Remaining = f.Limit - st.Used
	default:
		st.Reason = ReasonExceeded
	}
	return st
}
