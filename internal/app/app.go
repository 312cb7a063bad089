// Package app wires configuration into the render pipeline, the job store
// and the queue for the broll binaries.
package app

import (
	"context"
	"fmt"

	"broll/internal/blender"
	"broll/internal/config"
	"broll/internal/device"
	"broll/internal/doctor"
	"broll/internal/encode"
	"broll/internal/handler"
	"broll/internal/jobs"
	"broll/internal/media/ffprobe"
	"broll/internal/pkg/logger"
	"broll/internal/proc"
	"broll/internal/render"
	"broll/internal/storage"
	"broll/internal/templates"
	"broll/internal/worker"
	"broll/internal/worker/queue"
)

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.AddSource,
		ServiceName: cfg.Service,
	})
}

// Pipeline is the render stack for one host.
type Pipeline struct {
	Blender  *blender.Client
	Selector *device.Selector
	Resolver *templates.Resolver
	Archiver *storage.Archiver
	Exec     proc.Executor
}

// NewPipeline builds the Blender client, device selector, template resolver
// and, when configured, the output archiver.
func NewPipeline(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Pipeline, error) {
	exec := proc.CommandExecutor{}

	bl, err := blender.New(cfg.Blender.Binary,
		blender.WithExecutor(exec),
		blender.WithWrapper(cfg.Blender.Wrapper),
		blender.WithTimeouts(cfg.Blender.ProbeTimeout, cfg.Blender.Timeout),
		blender.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	pref, err := device.ParseBackends(cfg.Device.Preference)
	if err != nil {
		return nil, err
	}

	catalog, err := config.LoadCatalog(cfg.Paths.Catalog)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Blender:  bl,
		Selector: device.NewSelector(bl, pref),
		Resolver: templates.NewResolver(catalog, templates.Options{
			Timeout:   cfg.Fetch.Timeout,
			UserAgent: cfg.Fetch.UserAgent,
			MaxBytes:  cfg.Fetch.MaxBytes,
			Log:       log,
		}),
		Exec: exec,
	}

	provider, err := storage.NewProvider(ctx, cfg.Storage, cfg.GDrive)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if provider != nil {
		p.Archiver = storage.NewArchiver(provider, log)
	}
	return p, nil
}

// Handler builds the job handler. opts are applied after the defaults.
func (p *Pipeline) Handler(cfg *config.Config, log *logger.Logger, opts ...handler.Option) (*handler.Handler, error) {
	encOpts := []encode.Option{encode.WithExecutor(p.Exec), encode.WithLogger(log)}
	if cfg.FFprobe.Binary != "" {
		encOpts = append(encOpts, encode.WithVerifier(ffprobe.New(cfg.FFprobe.Binary, p.Exec)))
	}
	enc, err := encode.New(encode.SettingsFromConfig(cfg.FFmpeg), encOpts...)
	if err != nil {
		return nil, err
	}

	base := []handler.Option{
		handler.WithLogger(log),
		handler.WithGPUInfo(func(ctx context.Context) ([]string, error) {
			return doctor.GPUNames(ctx, p.Exec, "")
		}),
	}
	if p.Archiver != nil {
		base = append(base, handler.WithArchiver(p.Archiver))
	}
	return handler.New(cfg.Paths.ScratchDir, p.Resolver, render.New(p.Blender, p.Selector, log), enc, append(base, opts...)...), nil
}

// Doctor runs the host checks, including a Blender device probe.
func (p *Pipeline) Doctor(ctx context.Context, cfg *config.Config) []doctor.Result {
	return doctor.Run(ctx, cfg, doctor.Options{Exec: p.Exec, Prober: p.Blender, Timeout: cfg.Blender.ProbeTimeout})
}

// Services are the long-lived parts of the API and worker processes.
type Services struct {
	Pipeline *Pipeline
	Store    jobs.Store
	Queue    queue.Queue
	// Runner runs one job at a time and records its states in Store.
	Runner worker.JobRunner
}

// NewServices opens the store and queue and builds the serialized runner.
func NewServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Services, error) {
	p, err := NewPipeline(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := jobs.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}

	q, err := queue.Open(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	h, err := p.Handler(cfg, log, handler.WithObserver(worker.StoreObserver(store, log)))
	if err != nil {
		_ = store.Close()
		_ = q.Close()
		return nil, err
	}

	return &Services{Pipeline: p, Store: store, Queue: q, Runner: worker.Serial(h)}, nil
}

// Close releases the queue and store.
func (s *Services) Close() error {
	qErr := s.Queue.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return qErr
}
