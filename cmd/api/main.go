package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"broll/internal/app"
	"broll/internal/config"
	"broll/internal/doctor"
	"broll/internal/httpapi"
	"broll/internal/httpapi/handlers"
	"broll/internal/pkg/logger"
	"broll/internal/pkg/shutdown"
	"broll/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("BROLL_CONFIG"))
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := app.NewLogger(cfg)
	log.Info("starting broll API",
		"version", "1.0.0",
		"queue", cfg.Queue.Driver,
		"store", cfg.Store.Driver,
		"storage", cfg.Storage.Provider,
	)

	ctx := context.Background()

	// Initialize shutdown manager
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	svc, err := app.NewServices(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to initialize services", err)
	}
	shutdownMgr.Register("services", func(ctx context.Context) error {
		return svc.Close()
	})

	if err := svc.Store.Ping(ctx); err != nil {
		log.LogFatal("failed to ping job store", err)
	}
	if err := svc.Queue.Ping(ctx); err != nil {
		log.LogFatal("failed to ping queue", err)
	}

	deps := httpapi.Deps{
		Deps: handlers.Deps{
			Store:  svc.Store,
			Queue:  svc.Queue,
			Runner: svc.Runner,
			Doctor: func(ctx context.Context) []doctor.Result {
				return svc.Pipeline.Doctor(ctx, cfg)
			},
			Log: log,
		},
		AuthSecret: cfg.HTTP.AuthSecret,
	}
	if svc.Pipeline.Archiver != nil {
		deps.Archive = svc.Pipeline.Archiver
	}
	if cfg.HTTP.AuthSecret == "" {
		log.Warn("http.auth_secret is empty, job endpoints are unauthenticated")
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewRouter(deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Registered after the services so it stops first.
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	// Without an external queue, /run jobs are consumed in-process.
	if cfg.Queue.Driver == "none" {
		workerCtx, cancel := context.WithCancel(shutdownMgr.Context())
		shutdownMgr.RegisterSimple("embedded-worker", cancel)
		go func() {
			err := worker.Run(workerCtx, worker.Deps{
				Queue:  svc.Queue,
				Store:  svc.Store,
				Runner: svc.Runner,
				Log:    log,
			})
			if err != nil && workerCtx.Err() == nil {
				log.Error("embedded worker stopped", "error", err)
			}
		}()
		log.Info("embedded worker started")
	}

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}
