package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/notify/kafka"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/goentitle/logger/zerolog"
	promadapter "github.com/mihaimyh/goentitle/pkg/goentitle/metrics/prometheus"
)

// app holds the wired components of one server instance.
type app struct {
	cfg         *Config
	log         zerolog.Logger
	storage     goentitle.Storage
	coordinator *goentitle.Coordinator
	manager     *goentitle.Manager
	dispatcher  *goentitle.Dispatcher
	notifier    *kafka.Notifier
	api         *api.Handler
	registry    *prometheus.Registry
	metrics     goentitle.Metrics
	logger      goentitle.Logger
}

func newApp(cfg *Config, log zerolog.Logger, storage goentitle.Storage) (*app, error) {
	logger := zerologadapter.NewLogger(&log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewMetrics(registry, cfg.App.MetricsNamespace)

	verifier, err := stripe.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance)
	if err != nil {
		return nil, err
	}

	var payments billing.Payments
	if cfg.Stripe.SecretKey != "" {
		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				WebhookSecret:      cfg.Stripe.WebhookSecret,
				APIKey:             cfg.Stripe.SecretKey,
				SignatureTolerance: cfg.Stripe.SignatureTolerance,
				DefaultAmount:      cfg.Stripe.DefaultAmount,
				DefaultCurrency:    cfg.Stripe.DefaultCurrency,
				Metrics:            metrics,
				Logger:             logger,
			},
		})
		if err != nil {
			return nil, err
		}
		payments = provider
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, payment endpoints disabled")
	}

	manager, err := goentitle.NewManager(storage, goentitle.ManagerConfig{
		Cache:    goentitle.NewLRUCache(cfg.App.CacheSize),
		CacheTTL: cfg.App.CacheTTL,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	notifiers := []goentitle.Notifier{manager}
	var notifier *kafka.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		notifier, err = kafka.New(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Retry: kafka.RetryConfig{
				MaxAttempts: cfg.Kafka.RetryMaxAttempts,
				BaseDelay:   cfg.Kafka.RetryBaseDelay,
				MaxDelay:    cfg.Kafka.RetryMaxDelay,
				Jitter:      cfg.Kafka.RetryJitter,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notifier)
	}
	dispatcher := goentitle.NewDispatcher(goentitle.DispatcherConfig{Metrics: metrics, Logger: logger}, notifiers...)

	coordinatorCfg := goentitle.Config{
		ProcessingTimeout: cfg.App.ProcessingTimeout,
		EntitledStatuses:  cfg.App.EntitledStatuses,
		Emitter:           dispatcher,
		Metrics:           metrics,
		Logger:            logger,
	}
	if cfg.App.CircuitBreaker {
		coordinatorCfg.CircuitBreakerConfig = &goentitle.CircuitBreakerConfig{Enabled: true}
	}
	coordinator, err := goentitle.NewCoordinator(storage, verifier, stripe.Classifier{}, coordinatorCfg)
	if err != nil {
		return nil, err
	}

	apiHandler, err := api.NewHandler(api.Config{
		Manager:  manager,
		Payments: payments,
		GetAccountID: func(r *http.Request) string {
			return chi.URLParam(r, "accountID")
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:         cfg,
		log:         log,
		storage:     storage,
		coordinator: coordinator,
		manager:     manager,
		dispatcher:  dispatcher,
		notifier:    notifier,
		api:         apiHandler,
		registry:    registry,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))

	webhook := billing.WebhookHandler(a.coordinator, billing.WebhookConfig{
		SignatureHeader:   "Stripe-Signature",
		RateLimit:         a.cfg.App.WebhookRateLimit,
		TrustForwardedFor: a.cfg.App.WebhookTrustForwardedFor,
		Metrics:           a.metrics,
		Logger:            a.logger,
	})
	r.Handle("/webhook", webhook)
	r.Handle("/webhooks/stripe", webhook)

	r.Get("/entitlements/{accountID}", a.api.GetEntitlement)
	r.Post("/create-payment-intent", a.api.CreatePaymentIntent)
	r.Post("/checkout-sessions", a.api.CreateCheckoutSession)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return r
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.storage.Ping(ctx); err != nil {
		a.log.Error().Err(err).Msg("health check failed")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			event := log.Info()
			if ww.Status() >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
