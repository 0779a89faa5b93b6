// Command celebmerge serves the photo merge API, the usage endpoints and the Stripe payment bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	gingate "github.com/mihaimyh/celebmerge/middleware/gin"
	"github.com/mihaimyh/celebmerge/pkg/api"
	"github.com/mihaimyh/celebmerge/pkg/appconfig"
	"github.com/mihaimyh/celebmerge/pkg/billing"
	billingprom "github.com/mihaimyh/celebmerge/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/celebmerge/pkg/billing/stripe"
	"github.com/mihaimyh/celebmerge/pkg/imagemerge"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
	zerologadapter "github.com/mihaimyh/celebmerge/pkg/ledger/logger/zerolog"
	prommetrics "github.com/mihaimyh/celebmerge/pkg/ledger/metrics/prometheus"
	"github.com/mihaimyh/celebmerge/pkg/studio"
	firestorestore "github.com/mihaimyh/celebmerge/storage/firestore"
	"github.com/mihaimyh/celebmerge/storage/memory"
	"github.com/mihaimyh/celebmerge/storage/postgres"
	redismirror "github.com/mihaimyh/celebmerge/storage/redis"
)

const (
	metricsNamespace = "celebmerge"
	userIDHeader     = "X-User-ID"
	shutdownTimeout  = 10 * time.Second
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "celebmerge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, secrets, err := appconfig.Load()
	if err != nil {
		return err
	}

	zlog := newZerolog(secrets)
	logger := zerologadapter.NewLogger(zlog)

	for _, problem := range cfg.Validate() {
		logger.Warn("configuration problem", ledger.Field{Key: "problem", Value: problem})
	}
	if missing := secrets.Missing(); len(missing) > 0 {
		logger.Warn("missing environment variables", ledger.Field{Key: "names", Value: missing})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerMetrics := prommetrics.NewMetrics(prometheus.DefaultRegisterer, metricsNamespace)
	billingMetrics := billingprom.NewMetrics(prometheus.DefaultRegisterer, metricsNamespace)

	store, backend, closeStore, err := openStorage(ctx, secrets)
	if err != nil {
		return err
	}
	defer closeStore()

	breaker := ledger.NewDefaultCircuitBreaker(breakerThreshold, breakerReset, func(state ledger.CircuitBreakerState) {
		logger.Warn("record store circuit breaker changed state", ledger.Field{Key: "state", Value: string(state)})
	})
	guarded := ledger.NewCircuitBreakerStorage(store, breaker, ledgerMetrics)

	mirror, err := openMirror(secrets)
	if err != nil {
		return err
	}

	usage, err := ledger.New(ledger.Config{
		Settings: *cfg,
		Storage:  guarded,
		Mirror:   mirror,
		Backend:  backend,
		Metrics:  ledgerMetrics,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	merger := imagemerge.New(imagemerge.Config{
		APIKey:  secrets.GeminiAPIKey,
		Timeout: cfg.API.Timeout,
	})
	st := studio.New(usage, merger, studio.WithLogger(logger), studio.WithMetrics(ledgerMetrics))

	bridge, err := stripe.NewBridge(stripe.Config{
		Config: billing.Config{
			Storage:           guarded,
			MaxPaymentHistory: cfg.Usage.MaxPaymentHistory,
			Metrics:           billingMetrics,
			Logger:            logger,
			OnPaymentEvent:    releaseOnPayment(usage),
		},
		StripeAPIKey:        secrets.StripeSecretKey,
		StripeWebhookSecret: secrets.StripeWebhookSecret,
		Description:         cfg.Payment.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to create payment bridge: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Ledger:    usage,
		Studio:    st,
		Payments:  bridge,
		GetUserID: api.FromHeader(userIDHeader),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if secrets.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(usage, handler, bridge)

	server := &http.Server{
		Addr:              secrets.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", ledger.Field{Key: "addr", Value: server.Addr}, ledger.Field{Key: "backend", Value: backend})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(usage *ledger.Ledger, handler *api.Handler, bridge *stripe.Bridge) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	routes := gin.WrapH(handler.Routes())
	router.GET("/api/usage", routes)
	router.POST("/api/usage/reconnect", routes)
	router.POST("/api/generate", generateGate(usage), routes)
	router.POST("/api/payments/confirm", routes)
	router.GET("/api/config", routes)
	router.PUT("/api/config", routes)
	router.GET("/api/backgrounds", routes)

	payments := gin.WrapH(bridge.Handler())
	for _, path := range []string{"/createPaymentIntent", "/updateUsage", "/stripeWebhook"} {
		router.Any(path, payments)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// generateGate refuses generations early with the same body the API answers with
func generateGate(usage *ledger.Ledger) gin.HandlerFunc {
	return gingate.Gate(gingate.Config{
		Ledger:    usage,
		GetUserID: gingate.FromHeader(userIDHeader),
		OnPaymentRequired: func(c *gin.Context, view ledger.UsageView) {
			c.JSON(http.StatusPaymentRequired, api.PaymentRequired(view))
		},
	})
}

// releaseOnPayment drops the cached session of a user whose payment succeeded.
// Failed payments change nothing, and local-only sessions are kept by the ledger.
func releaseOnPayment(usage *ledger.Ledger) billing.PaymentEventHandler {
	return func(_ context.Context, event *billing.PaymentEvent) error {
		if event.Succeeded && event.UserID != "" {
			usage.Release(event.UserID)
		}
		return nil
	}
}

func newZerolog(secrets *appconfig.Secrets) zerolog.Logger {
	if secrets.IsProduction() {
		return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger()
}

// openStorage picks Postgres, then Firestore, then the in-memory store
func openStorage(ctx context.Context, secrets *appconfig.Secrets) (ledger.Storage, string, func(), error) {
	switch {
	case secrets.PostgresURL != "":
		config := postgres.DefaultConfig()
		config.ConnectionString = secrets.PostgresURL
		store, err := postgres.New(ctx, config)
		if err != nil {
			return nil, "", nil, err
		}
		return store, "postgres", store.Close, nil

	case secrets.FirebaseProjectID != "":
		client, err := firestore.NewClient(ctx, secrets.FirebaseProjectID)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, "", nil, err
		}
		return store, "firestore", func() { _ = client.Close() }, nil

	default:
		return memory.New(), "memory", func() {}, nil
	}
}

// openMirror uses Redis when configured and process memory otherwise
func openMirror(secrets *appconfig.Secrets) (ledger.Mirror, error) {
	if secrets.RedisURL == "" {
		return memory.NewMirror(), nil
	}
	opts, err := goredis.ParseURL(secrets.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redismirror.New(goredis.NewClient(opts), redismirror.DefaultConfig())
}
