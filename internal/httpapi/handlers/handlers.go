package handlers

import (
	"context"
	"io"

	"broll/internal/doctor"
	"broll/internal/jobs"
	"broll/internal/pkg/logger"
	"broll/internal/worker"
	"broll/internal/worker/queue"
)

// VideoSource streams archived videos back by object key.
type VideoSource interface {
	Open(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
}

type Deps struct {
	Store jobs.Store
	Queue queue.Queue
	// Runner executes /runsync jobs inline.
	Runner worker.JobRunner
	// Archive is nil when no storage provider is configured.
	Archive VideoSource
	// Doctor runs the host checks for deep health requests.
	Doctor func(ctx context.Context) []doctor.Result
	Log    *logger.Logger
}

type Handler struct {
	store   jobs.Store
	queue   queue.Queue
	runner  worker.JobRunner
	archive VideoSource
	doctor  func(ctx context.Context) []doctor.Result
	log     *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		store:   d.Store,
		queue:   d.Queue,
		runner:  d.Runner,
		archive: d.Archive,
		doctor:  d.Doctor,
		log:     log.WithComponent("api"),
	}
}
