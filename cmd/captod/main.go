// Command captod serves the capto API: registration, Stripe checkout and
// webhooks, and the entitlement-gated chart analysis and speech routes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iacapto/capto/internal/config"
	"github.com/iacapto/capto/pkg/api"
	"github.com/iacapto/capto/pkg/billing"
	billingprom "github.com/iacapto/capto/pkg/billing/metrics/prometheus"
	"github.com/iacapto/capto/pkg/billing/stripe"
	"github.com/iacapto/capto/pkg/entitlement"
	zerologadapter "github.com/iacapto/capto/pkg/entitlement/logger/zerolog"
	entitlementprom "github.com/iacapto/capto/pkg/entitlement/metrics/prometheus"
	"github.com/iacapto/capto/pkg/inference"
	"github.com/iacapto/capto/pkg/inference/gemini"
)

var endpoints = []string{
	"GET  /api/status",
	"POST /api/register",
	"POST /api/login",
	"POST /api/create-checkout-session",
	"POST /api/stripe-webhook",
	"POST /api/analyze",
	"POST /api/generate-speech",
	"GET  /metrics",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "captod: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("captod stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "captod").Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if missing := cfg.MissingSecrets(); len(missing) > 0 {
		logger.Error().
			Strs("missing", missing).
			Msg("CRITICAL: required environment variables are not set; dependent routes will fail")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	entitlementMetrics := entitlementprom.NewMetrics(registry, cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(registry, cfg.MetricsNamespace)
	coreLogger := zerologadapter.NewLogger(&logger)

	store, closeStore, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.StorageBackend, err)
	}
	defer closeStore()
	if cfg.StorageBackend != config.StorageMemory && cfg.BreakerThreshold > 0 {
		breaker := entitlement.NewDefaultCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerResetTimeout,
			func(state entitlement.CircuitBreakerState) {
				logger.Warn().Str("state", string(state)).Msg("storage circuit breaker changed state")
			})
		store = entitlement.NewCircuitBreakerStorage(store, breaker)
	}
	logger.Info().Str("backend", cfg.StorageBackend).Msg("storage ready")

	// One Stripe client issues customers for the directory and fetches
	// subscriptions for the reconciler.
	stripeClient := stripe.NewClient(stripe.ClientConfig{
		APIKey:  cfg.StripeSecretKey,
		Timeout: cfg.StripeTimeout,
		Metrics: billingMetrics,
		Logger:  coreLogger,
	})

	directory, err := entitlement.NewDirectory(store, entitlement.Config{
		Customers: stripeClient,
		Metrics:   entitlementMetrics,
		Logger:    coreLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	billingConfig := billing.Config{
		Directory:        directory,
		Prices:           cfg.Prices(),
		WebappURL:        cfg.WebappURL,
		WebhookSecret:    cfg.StripeWebhookSecret,
		APIKey:           cfg.StripeSecretKey,
		Timeout:          cfg.StripeTimeout,
		WebhookRateLimit: cfg.WebhookRateLimit,
		Metrics:          billingMetrics,
		Logger:           coreLogger,
	}

	reconciler, err := entitlement.NewReconciler(directory, entitlement.ReconcilerConfig{
		Fetcher: stripeClient,
		Mode:    cfg.FetchMode(),
		Plans:   billingConfig.PricePlans(),
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	billingConfig.Reconciler = reconciler

	provider, err := stripe.NewProvider(stripe.Config{Config: billingConfig, Client: stripeClient})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	var ai inference.Service = inference.Unavailable{}
	if cfg.GeminiAPIKey != "" {
		service, err := gemini.New(ctx, gemini.Config{
			APIKey:  cfg.GeminiAPIKey,
			Timeout: cfg.InferenceTimeout,
			Logger:  coreLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}
		ai = service
	}

	handler, err := api.NewHandler(api.Config{
		Directory:      directory,
		Gate:           entitlement.NewGate(directory),
		Checkout:       provider,
		Inference:      ai,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}

	httpMetrics := newHTTPMetrics(registry, cfg.MetricsNamespace)
	router := chi.NewRouter()
	router.Use(httpMetrics.middleware)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	router.Mount("/", handler.Router())

	server := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", server.Addr).
			Str("endpoints", strings.Join(endpoints, ", ")).
			Str("fetch_mode", string(cfg.FetchMode())).
			Msg("captod listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop accepting webhooks before draining background reconciliations.
		err := server.Shutdown(shutdownCtx)
		if closeErr := reconciler.Close(shutdownCtx); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("reconciler: %w", closeErr))
		}
		return err
	})

	return g.Wait()
}
