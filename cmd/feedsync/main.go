package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/engine"
	"github.com/steemit/feedsync/pkg/config"
	"github.com/steemit/feedsync/pkg/logging"
	"github.com/steemit/feedsync/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting feedsync", zap.String("instance", cfg.Instance.URL))

	// Only the log level is reloadable; everything else needs a restart
	config.Watch(func(next *config.Config, e fsnotify.Event) {
		logging.SetLevel(next.Logging.Level)
		logger.Info("Configuration reloaded",
			zap.String("file", e.Name),
			zap.String("log_level", next.Logging.Level))
	})

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("Error closing engine", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Error("Engine stopped with error", zap.Error(err))
		return
	}

	logger.Info("feedsync exited")
}
