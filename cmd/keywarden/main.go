package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keywarden/keywarden/pkg/api"
	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/audit"
	"github.com/keywarden/keywarden/pkg/config"
	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/storage"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	var (
		promRegistry *prometheus.Registry
		metrics      *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		promRegistry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(promRegistry)
	}

	// Tracing
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	// Storage
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	logger.Infof("Storage initialized (%s)", cfg.Storage.Type)

	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}

	// Scope registry
	registry := apikey.NewScopeRegistry()
	if cfg.Keys.ScopeRegistryPath != "" {
		if err := registry.LoadFile(cfg.Keys.ScopeRegistryPath); err != nil {
			logger.WithError(err).Error("failed to load scope registry")
			os.Exit(1)
		}
		if cfg.Keys.ScopeRegistryWatch {
			if err := registry.Watch(ctx, cfg.Keys.ScopeRegistryPath, logger); err != nil {
				logger.WithError(err).Error("failed to watch scope registry")
				os.Exit(1)
			}
		}
	}

	// Audit trail: structured log always, database when one is available
	notifier := audit.Notifier(audit.NewLogNotifier(logger))
	if store.DB != nil {
		dbNotifier, err := audit.NewDBNotifier(store.DB)
		if err != nil {
			logger.WithError(err).Error("failed to initialize audit store")
			os.Exit(1)
		}
		notifier = audit.NewMultiNotifier(audit.NewLogNotifier(logger), dbNotifier)
	}

	// Core
	codec := apikey.NewKeyCodec()
	verifier := apikey.NewVerifier(codec, store.Repository, nil)
	lifecycle := apikey.NewLifecycleManager(codec, store.Repository, registry, notifier, logger)
	rateLimiter := apikey.NewRateLimiter(store.Repository)
	authorizer := apikey.NewScopeAuthorizer(registry)
	recorder := apikey.NewUsageRecorder(store.Repository, logger)
	if metrics != nil {
		recorder.OnDrop(metrics.UsageDropsTotal.Inc)
	}

	health := observability.NewHealthChecker(store.DB, redisClient, serviceVersion)

	server := api.NewServer(api.Options{
		Repository:    store.Repository,
		Lifecycle:     lifecycle,
		Verifier:      verifier,
		RateLimiter:   rateLimiter,
		UsageRecorder: recorder,
		Authorizer:    authorizer,
		Defaults:      cfg.Keys,
		Logger:        logger,
		Metrics:       metrics,
		Health:        health,
		PromRegistry:  promRegistry,
		Redis:         redisClient,
	})

	var handler http.Handler = server
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "keywarden")
	}

	if metrics != nil {
		go updateActiveKeysGauge(ctx, store.Repository, metrics, logger)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sm := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		return store.Close()
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	if otelProviders != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	go func() {
		logger.Infof("Starting keywarden on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

// updateActiveKeysGauge refreshes the active-key gauge once a minute
func updateActiveKeysGauge(ctx context.Context, repo apikey.Repository, metrics *observability.Metrics, logger *observability.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		count, err := repo.CountActive(ctx)
		if err != nil {
			logger.WithError(err).Warn("active key count failed")
		} else {
			metrics.ActiveKeys.Set(float64(count))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
