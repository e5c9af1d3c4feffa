package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/audit"
	"github.com/keywarden/keywarden/pkg/config"
	"github.com/keywarden/keywarden/pkg/janitor"
	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/storage"
)

var runOnce = flag.Bool("run-once", false, "Run both maintenance passes once and exit")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	defer store.Close()

	notifier := audit.Notifier(audit.NewLogNotifier(logger))
	if store.DB != nil {
		dbNotifier, err := audit.NewDBNotifier(store.DB)
		if err != nil {
			logger.WithError(err).Error("failed to initialize audit store")
			os.Exit(1)
		}
		notifier = audit.NewMultiNotifier(audit.NewLogNotifier(logger), dbNotifier)
	}

	registry := apikey.NewScopeRegistry()
	if cfg.Keys.ScopeRegistryPath != "" {
		if err := registry.LoadFile(cfg.Keys.ScopeRegistryPath); err != nil {
			logger.WithError(err).Error("failed to load scope registry")
			os.Exit(1)
		}
	}

	codec := apikey.NewKeyCodec()
	lifecycle := apikey.NewLifecycleManager(codec, store.Repository, registry, notifier, logger)
	j := janitor.New(store.Repository, lifecycle, notifier, logger)

	if *runOnce {
		ctx := context.Background()
		if _, err := j.RunReminders(ctx, cfg.Janitor.ReminderWindowDays); err != nil {
			logger.WithError(err).Error("reminder pass failed")
			os.Exit(1)
		}
		if _, err := j.RunExpiredSweep(ctx); err != nil {
			logger.WithError(err).Error("expired sweep failed")
			os.Exit(1)
		}
		return
	}

	c := cron.New()

	_, err = c.AddFunc(cfg.Janitor.ReminderSchedule, func() {
		if _, err := j.RunReminders(context.Background(), cfg.Janitor.ReminderWindowDays); err != nil {
			logger.WithError(err).Error("reminder pass failed")
		}
	})
	if err != nil {
		logger.WithError(err).Error("failed to schedule reminder pass")
		os.Exit(1)
	}

	_, err = c.AddFunc(cfg.Janitor.SweepSchedule, func() {
		if _, err := j.RunExpiredSweep(context.Background()); err != nil {
			logger.WithError(err).Error("expired sweep failed")
		}
	})
	if err != nil {
		logger.WithError(err).Error("failed to schedule expired sweep")
		os.Exit(1)
	}

	c.Start()
	logger.Infof("keywarden-janitor started (reminders: %s, sweep: %s)",
		cfg.Janitor.ReminderSchedule, cfg.Janitor.SweepSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	<-c.Stop().Done()
	logger.Info("Janitor stopped")
}
