// Package httpapi exposes sessions, gated actions, profile edits and the
// billing webhook over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/mutation"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/quota"
	"github.com/xraph/tally/session"
)

// Generator produces the content of a gated action. It is an external
// collaborator, typically an AI content service.
type Generator interface {
	Generate(ctx context.Context, subject string, input json.RawMessage) (any, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, subject string, input json.RawMessage) (any, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, subject string, input json.RawMessage) (any, error) {
	return f(ctx, subject, input)
}

// Validator checks a gated action's input before any quota is used. Errors
// should be tally.ValidationError values, alone or in a tally.MultiError.
type Validator interface {
	Validate(feature string, input json.RawMessage) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(feature string, input json.RawMessage) error

// Validate calls f.
func (f ValidatorFunc) Validate(feature string, input json.RawMessage) error {
	return f(feature, input)
}

// Checkout starts a payment checkout for a subject.
type Checkout interface {
	Create(ctx context.Context, subject, email string) (string, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Sessions *session.Manager
	Gate     *quota.Gate
	Queue    *mutation.Queue
	Webhooks *billing.Handler
	// Checkout is optional; without it /billing/checkout answers 503.
	Checkout Checkout
	// Health is optional; without it /health always answers 200.
	Health Pinger
	// Generators maps feature keys to generators. Each registered feature
	// gets a gated route.
	Generators map[string]Generator
	Validator  Validator
}

// Server is the HTTP surface.
type Server struct {
	sessions   *session.Manager
	gate       *quota.Gate
	queue      *mutation.Queue
	webhooks   *billing.Handler
	checkout   Checkout
	health     Pinger
	generators map[string]Generator
	validator  Validator

	origins []string
	logger  *slog.Logger
	now     func() time.Time
	engine  *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAllowedOrigins sets the CORS origins allowed to send credentials.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithClock sets the clock stamped on writes.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Feature routes.
var featureRoutes = map[string]string{
	plan.FeatureMealPlan: "/meal-plans",
	plan.FeatureRecipe:   "/recipes",
}

// New builds the server and its routes.
func New(d Deps, opts ...Option) *Server {
	s := &Server{
		sessions:   d.Sessions,
		gate:       d.Gate,
		queue:      d.Queue,
		webhooks:   d.Webhooks,
		checkout:   d.Checkout,
		health:     d.Health,
		generators: d.Generators,
		validator:  d.Validator,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(s.logger))
	if len(s.origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.origins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Accept-Language"},
			ExposeHeaders:    []string{headerRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", s.handleHealth)
	r.POST("/auth/session", s.handleCreateSession)
	r.DELETE("/auth/session", s.handleDeleteSession)
	r.POST("/webhooks/stripe", s.handleStripeWebhook)

	features := make([]string, 0, len(s.generators))
	for f := range s.generators {
		features = append(features, f)
	}
	sort.Strings(features)
	for _, f := range features {
		route, ok := featureRoutes[f]
		if !ok {
			route = "/actions/" + f
		}
		r.POST(route, s.handleGated(f, s.generators[f]))
	}

	authed := r.Group("/")
	authed.Use(s.requireSession())
	authed.GET("/me", s.handleMe)
	authed.PUT("/profile", s.handleProfile)
	authed.POST("/billing/checkout", s.handleCheckout)

	return r
}
