// Command tallyd serves sessions, gated actions and the billing webhook over
// HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/engine"
	"github.com/xraph/tally/httpapi"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	mongostore "github.com/xraph/tally/store/mongo"
)

func main() {
	if err := run(); err != nil {
		slog.Error("tallyd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	verifier, err := session.NewJWKSVerifier(ctx, session.JWKSConfig{
		Issuer:   cfg.IdentityIssuer,
		Audience: cfg.IdentityAudience,
		JWKSURL:  cfg.JWKSURL,
	})
	if err != nil {
		return fmt.Errorf("identity verifier: %w", err)
	}

	sessionOpts := []session.Option{
		session.WithTTL(cfg.SessionTTL()),
		session.WithSecureCookie(!cfg.InsecureCookies),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		sessionOpts = append(sessionOpts, session.WithRevocations(session.NewRedisRevocations(client)))
	} else {
		logger.Warn("REDIS_ADDR not set; sign-outs are revoked in this process only")
		sessionOpts = append(sessionOpts, session.WithRevocations(session.NewMemoryRevocations()))
	}

	audit := audithook.New(audithook.RecorderFunc(func(ctx context.Context, ev *audithook.AuditEvent) error {
		logger.InfoContext(ctx, "audit",
			"action", ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"outcome", ev.Outcome,
			"severity", ev.Severity,
		)
		return nil
	}), audithook.WithLogger(logger))

	eng, err := engine.New(s,
		engine.WithLogger(logger),
		engine.WithSessionSecret([]byte(cfg.SessionSecret)),
		engine.WithIdentityVerifier(verifier),
		engine.WithSessionOptions(sessionOpts...),
		engine.WithWebhookSecret(cfg.StripeWebhookSecret),
		engine.WithWriteTimeout(cfg.WriteTimeout()),
		engine.WithTracer(otel.Tracer("github.com/xraph/tally")),
		engine.WithPlugin(observability.NewMetricsExtension(observability.NewOTelFactory(otel.Meter("github.com/xraph/tally")))),
		engine.WithPlugin(audit),
	)
	if err != nil {
		_ = s.Close()
		return err
	}
	deps := httpapi.Deps{
		Sessions:   eng.Sessions(),
		Gate:       eng.Gate(),
		Queue:      eng.Queue(),
		Webhooks:   eng.Webhooks(),
		Health:     eng,
		Generators: generators(cfg, eng.Catalog(), logger),
		Validator:  httpapi.ValidatorFunc(validateInput),
	}
	if cfg.StripeSecretKey != "" {
		checkout, err := billing.NewCheckoutCreator(billing.CheckoutConfig{
			SecretKey:  cfg.StripeSecretKey,
			PriceID:    cfg.StripePriceID,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
		if err != nil {
			return err
		}
		deps.Checkout = checkout
	}
	if cfg.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be refused")
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	api := httpapi.New(deps,
		httpapi.WithLogger(logger),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins()...),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		return errors.Join(
			srv.Shutdown(shutdownCtx),
			eng.Stop(shutdownCtx),
		)
	})

	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.MongoURI == "" {
		logger.Warn("MONGO_URI not set; using the in-memory store")
		return memory.New(), nil
	}
	ms, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	return ms, nil
}

// generators binds every catalog feature to the content service.
func generators(cfg *config.Config, catalog *plan.Catalog, logger *slog.Logger) map[string]httpapi.Generator {
	if cfg.GeneratorURL == "" {
		logger.Warn("GENERATOR_URL not set; gated actions are disabled")
		return nil
	}
	gen := newRemoteGenerator(cfg.GeneratorURL, nil)
	out := make(map[string]httpapi.Generator)
	for _, f := range catalog.Features() {
		out[f] = gen.For(f)
	}
	return out
}
