package worker

import (
	"context"
	"time"

	"broll/internal/handler"
	"broll/internal/jobs"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
	"broll/internal/worker/queue"
)

// Run pops jobs and runs them one at a time until ctx is canceled.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	retry := d.RetryDelay
	if retry <= 0 {
		retry = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		msg, ok, err := d.Queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}

			log.Warn("queue pop error, retrying",
				"error", err.Error(),
			)
			select {
			case <-time.After(retry):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if !ok {
			continue
		}

		Process(ctx, d, log, msg)
	}
}

// Process runs one message and records every state change in the store.
// Store errors are logged; they never stop the job.
func Process(ctx context.Context, d Deps, log *logger.Logger, msg queue.Message) handler.Result {
	jobCtx := logger.ContextWithJobID(ctx, msg.ID)
	jobLog := log.WithJobID(msg.ID)

	if err := ensureRecord(jobCtx, d.Store, msg); err != nil {
		jobLog.Warn("could not record job", "error", err.Error())
	}

	jobLog.Info("processing job")
	startTime := time.Now()

	res := d.Runner.Run(jobCtx, msg.ID, msg.Input)

	if res.Failure != nil {
		if err := d.Store.Transition(jobCtx, msg.ID, jobs.StateFailed, res.Failure); err != nil {
			jobLog.Warn("failed to record failure", "error", err.Error())
		}
		jobLog.Error("job failed",
			"kind", res.Failure.Kind,
			"error", res.Failure.Message,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return res
	}

	out, err := res.Output()
	if err == nil {
		err = d.Store.Complete(jobCtx, msg.ID, out)
	}
	if err != nil {
		jobLog.Warn("failed to record output", "error", err.Error())
	}
	jobLog.Info("job completed",
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return res
}

// StoreObserver records the intermediate states of a job in store.
func StoreObserver(store jobs.Store, log *logger.Logger) handler.Observer {
	if log == nil {
		log = logger.Discard()
	}
	return func(ctx context.Context, id string, state jobs.State) {
		if err := store.Transition(ctx, id, state, nil); err != nil {
			log.FromContext(ctx).Warn("failed to record state", "state", string(state), "error", err.Error())
		}
	}
}

// ensureRecord creates the IN_QUEUE record for messages pushed without one.
func ensureRecord(ctx context.Context, store jobs.Store, msg queue.Message) error {
	_, err := store.Get(ctx, msg.ID)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	now := time.Now().UTC()
	err = store.Create(ctx, jobs.Record{
		ID:        msg.ID,
		State:     jobs.StateInQueue,
		Input:     msg.Input,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.IsConflict(err) {
		// Created concurrently by the API.
		return nil
	}
	return err
}

