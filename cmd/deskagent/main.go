package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/helioshq/deskagent/internal/activity"
	"github.com/helioshq/deskagent/internal/agent"
	"github.com/helioshq/deskagent/internal/provider"
	"github.com/helioshq/deskagent/internal/storage"
	"github.com/helioshq/deskagent/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Remote provider and activity sink
	remote := provider.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.CallTimeout, logger)
	sink := activity.NewLogSink(logger)

	// Core components
	orchestrator := agent.NewOrchestrator(store, remote, sink, agent.Config{
		Model:               cfg.Assistant.Model,
		InstructionTemplate: cfg.Assistant.InstructionTemplate,
		CorpusDir:           cfg.Assistant.CorpusDir,
		BulkConcurrency:     cfg.Assistant.BulkConcurrency,
		PendingTTL:          cfg.Assistant.PendingTTL,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sweep for orphaned provisioning leftovers until shutdown. The
	// request-facing surface is wired by the (external) HTTP layer.
	logger.Info("Reconciler running", zap.Duration("interval", cfg.Reconcile.Interval))
	orchestrator.RunReconciler(ctx, cfg.Reconcile.Interval)

	logger.Info("Shutting down")
}
