package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"icarus/internal/adapters/config"
	"icarus/internal/bootstrap"
	"icarus/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		panic("failed to build application: " + err.Error())
	}

	log := container.Log
	log.Infof("Starting %s %s in %s mode", cfg.App.Name, cfg.App.Version, cfg.App.Env)

	if err := container.Scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	go container.Feedback.Run(ctx)

	go func() {
		if err := container.HTTPServer.Start(); err != nil {
			log.Errorf("HTTP server error: %v", err)
			cancel()
		}
	}()

	log.Info("System initialized successfully")

	waitForShutdown(ctx, cancel, container, log)
}

// waitForShutdown blocks until a signal or fatal error, then runs the
// coordinated shutdown sequence.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, c *bootstrap.Container, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case <-ctx.Done():
		log.Info("Context cancelled, shutting down")
	}

	cancel()
	bootstrap.NewLifecycle().Shutdown(c)
}
