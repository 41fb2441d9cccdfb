// Package billing applies payment-provider events to usage records.
//
// Stripe delivers events at least once. Every write the handler performs is
// a merge of values fixed by the event itself, so a redelivered event leaves
// the record exactly as the first delivery did.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/xraph/tally"
	"github.com/xraph/tally/mutation"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/usage"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// MetadataSubject is the metadata key holding the subject identifier.
const MetadataSubject = "userId"

// Handled event types.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Observer is notified after a plan change is stored.
type Observer interface {
	PlanChanged(ctx context.Context, subject string, tier plan.Tier, subscriptionID string)
}

// Handler verifies and applies webhook events.
type Handler struct {
	secret    string
	queue     *mutation.Queue
	observer  Observer
	tolerance time.Duration
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithObserver installs a plan change observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

// WithTolerance sets the accepted age of a signature.
func WithTolerance(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.tolerance = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a handler verifying events with secret and writing
// through queue. An empty secret is accepted; Handle then fails with 500.
func NewHandler(secret string, queue *mutation.Queue, opts ...Option) *Handler {
	h := &Handler{
		secret:    secret,
		queue:     queue,
		tolerance: webhook.DefaultTolerance,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle verifies payload against signature and applies the event. It
// returns the HTTP status to answer with; a non-nil error explains any
// status other than 200.
func (h *Handler) Handle(ctx context.Context, payload []byte, signature string) (int, error) {
	if h.secret == "" {
		h.logger.Error("billing: webhook secret missing")
		return http.StatusInternalServerError, tally.ErrWebhookSecretMissing
	}
	if strings.TrimSpace(signature) == "" {
		return http.StatusBadRequest, fmt.Errorf("%w: missing %s header", tally.ErrWebhookSignature, SignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("billing: signature verification failed", "error", err)
		return http.StatusBadRequest, fmt.Errorf("%w: %w", tally.ErrWebhookSignature, err)
	}

	switch event.Type {
	case EventCheckoutCompleted:
		return h.checkoutCompleted(ctx, event)
	case EventSubscriptionDeleted:
		return h.subscriptionDeleted(ctx, event)
	default:
		h.logger.Debug("billing: event ignored", "event_id", event.ID, "type", event.Type)
		return http.StatusOK, nil
	}
}

func (h *Handler) checkoutCompleted(ctx context.Context, event stripe.Event) (int, error) {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return http.StatusBadRequest, fmt.Errorf("%w: checkout session payload: %w", tally.ErrInvalidInput, err)
	}

	subject := cs.Metadata[MetadataSubject]
	if subject == "" {
		subject = cs.ClientReferenceID
	}
	if subject == "" {
		h.logger.Warn("billing: checkout without subject", "event_id", event.ID)
		return http.StatusOK, nil
	}

	var subscriptionID, customerID string
	if cs.Subscription != nil {
		subscriptionID = cs.Subscription.ID
	}
	if cs.Customer != nil {
		customerID = cs.Customer.ID
	}

	fields := usage.UpgradeFields(subscriptionID, customerID, eventTime(event))
	return h.apply(ctx, event, subject, plan.Premium, subscriptionID, fields)
}

func (h *Handler) subscriptionDeleted(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("%w: subscription payload: %w", tally.ErrInvalidInput, err)
	}

	subject := sub.Metadata[MetadataSubject]
	if subject == "" {
		h.logger.Warn("billing: subscription without subject", "event_id", event.ID, "subscription", sub.ID)
		return http.StatusOK, nil
	}

	return h.apply(ctx, event, subject, plan.Starter, sub.ID, usage.DowngradeFields(eventTime(event)))
}

// apply upserts fields and waits for the write so a failure is answered with
// 500 and the provider redelivers. The write is guarded by the event time, so
// an event older than the last applied plan event is acknowledged and
// dropped.
func (h *Handler) apply(ctx context.Context, event stripe.Event, subject string, tier plan.Tier, subscriptionID string, fields store.Fields) (int, error) {
	handle := h.queue.Upsert(ctx, usage.Path(subject), fields, mutation.WithGuard(usage.PlanGuard(eventTime(event))))
	if err := handle.Wait(ctx); err != nil {
		h.logger.Error("billing: plan write failed",
			"event_id", event.ID,
			"subject", subject,
			"plan", string(tier),
			"error", err,
		)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable, err
		}
		return http.StatusInternalServerError, err
	}

	if !handle.Applied() {
		h.logger.Info("billing: stale plan event ignored",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"subject", subject,
		)
		return http.StatusOK, nil
	}

	h.logger.Info("billing: plan changed",
		"event_id", event.ID,
		"subject", subject,
		"plan", string(tier),
		"subscription_id", subscriptionID,
	)
	if h.observer != nil {
		h.observer.PlanChanged(ctx, subject, tier, subscriptionID)
	}
	return http.StatusOK, nil
}

// eventTime stamps writes with the event's creation time so replays write
// identical values.
func eventTime(event stripe.Event) time.Time {
	return time.Unix(event.Created, 0).UTC()
}
