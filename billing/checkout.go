package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"

	"github.com/xraph/tally"
)

// CheckoutConfig configures subscription checkout.
type CheckoutConfig struct {
	SecretKey  string `json:"secret_key" mapstructure:"secret_key" yaml:"secret_key"`
	PriceID    string `json:"price_id" mapstructure:"price_id" yaml:"price_id"`
	SuccessURL string `json:"success_url" mapstructure:"success_url" yaml:"success_url"`
	CancelURL  string `json:"cancel_url" mapstructure:"cancel_url" yaml:"cancel_url"`
}

// Validate reports missing settings.
func (c CheckoutConfig) Validate() error {
	var missing []string
	if c.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if c.PriceID == "" {
		missing = append(missing, "price_id")
	}
	if c.SuccessURL == "" {
		missing = append(missing, "success_url")
	}
	if c.CancelURL == "" {
		missing = append(missing, "cancel_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("billing: checkout not configured: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckoutSessions creates Stripe checkout sessions.
type CheckoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// CheckoutCreator starts subscription checkouts tagged with the subject so
// the resulting webhook events can be attributed.
type CheckoutCreator struct {
	cfg      CheckoutConfig
	sessions CheckoutSessions
}

// NewCheckoutCreator creates a checkout creator using the Stripe API.
func NewCheckoutCreator(cfg CheckoutConfig) (*CheckoutCreator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey}
	return &CheckoutCreator{cfg: cfg, sessions: &client}, nil
}

// NewCheckoutCreatorWith creates a checkout creator on top of sessions.
func NewCheckoutCreatorWith(cfg CheckoutConfig, sessions CheckoutSessions) *CheckoutCreator {
	return &CheckoutCreator{cfg: cfg, sessions: sessions}
}

// Create starts a checkout for subject and returns its URL.
func (c *CheckoutCreator) Create(ctx context.Context, subject, email string) (string, error) {
	if subject == "" {
		return "", errors.New("billing: checkout requires a subject")
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		ClientReferenceID: stripe.String(subject),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataSubject: subject},
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataSubject, subject)
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	cs, err := c.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: checkout session: %w", tally.ErrUpstream, err)
	}
	return cs.URL, nil
}
