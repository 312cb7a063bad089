package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"broll/internal/app"
	"broll/internal/config"
	"broll/internal/pkg/logger"
	"broll/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("BROLL_CONFIG"))
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}
	if cfg.Queue.Driver == "none" {
		logger.NewDefault().LogFatal("worker needs an external queue", nil, "queue", cfg.Queue.Driver)
	}

	log := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.NewServices(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to initialize services", err)
	}
	defer svc.Close()

	for _, r := range svc.Pipeline.Doctor(ctx, cfg) {
		if !r.Passed {
			log.Warn("host check failed", "check", r.Name, "optional", r.Optional, "detail", r.Detail)
		}
	}

	log.Info("broll worker started", "queue", cfg.Queue.Driver, "name", cfg.Queue.Name)
	err = worker.Run(ctx, worker.Deps{
		Queue:  svc.Queue,
		Store:  svc.Store,
		Runner: svc.Runner,
		Log:    log,
	})
	if err != nil && ctx.Err() == nil {
		log.LogFatal("worker stopped", err)
	}
	log.Info("broll worker stopped")
}
