package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"classwatch/internal/cache"
	"classwatch/internal/config"
	"classwatch/internal/nats"
	"classwatch/internal/notifier"
	"classwatch/internal/processor"
	"classwatch/internal/source"
	"classwatch/internal/store"
	"classwatch/internal/watcher"
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger.Info("Starting classwatch service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the cache database and make sure it is usable
	db, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := db.Check(ctx); err != nil {
		logger.Fatalf("Database check failed: %v", err)
	}

	// Initialize NATS publisher; its connection also serves schedule requests
	publisher, err := nats.NewPublisher(
		cfg.NATS.URL,
		cfg.Alerts.Subject,
		cfg.NATS.MaxReconnect,
		cfg.NATS.ReconnectWait,
		logger,
	)
	if err != nil {
		logger.Fatalf("Failed to create NATS publisher: %v", err)
	}
	defer publisher.Close()

	src := source.NewNATSSource(publisher.GetConn(), cfg.Source.Subject, cfg.Source.Timeout, logger)
	classCache := cache.New(db, src, logger)
	w := watcher.New(classCache, db, cfg.Watcher.Workers, cfg.Watcher.RefreshTimeout, logger)

	transformer, err := processor.NewTransformer(&cfg.Processor, logger, publisher.GetConn())
	if err != nil {
		logger.Fatalf("Failed to create transformer: %v", err)
	}

	policy := processor.Policy{
		SkipUnmodified:         cfg.Alerts.SkipUnmodifiedAlerts(),
		NotifyFirstObservation: cfg.Alerts.NotifyFirstObservation,
	}
	proc := processor.NewProcessor(
		w,
		notifier.New(db, logger),
		transformer,
		publisher,
		policy,
		cfg.Watcher.PollInterval,
		cfg.Watcher.MaxAge,
		logger,
	)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- proc.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		// wait for committed changes to be dispatched before closing connections
		if err := <-errChan; err != nil {
			logger.Errorf("Processor error: %v", err)
		}
	case err := <-errChan:
		if err != nil {
			logger.Errorf("Processor error: %v", err)
		}
	}

	logger.Info("classwatch service stopped")
}
