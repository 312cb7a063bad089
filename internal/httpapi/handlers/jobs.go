package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"broll/internal/handler"
	"broll/internal/httpkit"
	"broll/internal/jobs"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/middleware"
	"broll/internal/worker"
	"broll/internal/worker/queue"
)

type runRequest struct {
	Input json.RawMessage `json:"input"`
}

type jobResponse struct {
	ID     string          `json:"id"`
	Status jobs.State      `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *jobs.Failure   `json:"error,omitempty"`
}

func decodeRun(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	var req runRequest
	if err := httpkit.DecodeJSON(w, r, &req); err != nil {
		return nil, err
	}
	if len(req.Input) == 0 || string(req.Input) == "null" {
		return nil, errors.ValidationField("input", "input is required")
	}
	return req.Input, nil
}

// Run enqueues a job and returns its id.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	input, err := decodeRun(w, r)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	if err := h.store.Create(ctx, jobs.Record{ID: id, State: jobs.StateInQueue, Input: input, CreatedAt: now, UpdatedAt: now}); err != nil {
		return errors.Wrap(err, "api.run", "create job")
	}
	if err := h.queue.Push(ctx, queue.Message{ID: id, Input: input}); err != nil {
		fail := &jobs.Failure{Kind: string(errors.CodeUnavailable), Message: "enqueue failed: " + err.Error()}
		_ = h.store.Transition(ctx, id, jobs.StateFailed, fail)
		return errors.WrapWithCode(err, errors.CodeUnavailable, "api.run", "enqueue job")
	}

	log := h.log.FromContext(ctx)
	if c, ok := middleware.ClaimsFrom(ctx); ok {
		log = log.WithFields(map[string]any{"subject": c.Subject})
	}
	log.Info("job queued", "job_id", id)
	httpkit.WriteJSON(w, http.StatusOK, jobResponse{ID: id, Status: jobs.StateInQueue})
	return nil
}

// RunSync runs a job inline and returns its final state and output.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	input, err := decodeRun(w, r)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	if err := h.store.Create(ctx, jobs.Record{ID: id, State: jobs.StateInQueue, Input: input, CreatedAt: now, UpdatedAt: now}); err != nil {
		return errors.Wrap(err, "api.runsync", "create job")
	}

	// A render runs far longer than the server's read and write timeouts, and
	// once started it finishes even if the client goes away.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.log.FromContext(ctx).Warn("cannot clear write deadline", "error", err.Error())
	}
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		h.log.FromContext(ctx).Warn("cannot clear read deadline", "error", err.Error())
	}

	res := worker.Process(context.WithoutCancel(ctx), worker.Deps{Store: h.store, Runner: h.runner}, h.log, queue.Message{ID: id, Input: input})
	httpkit.WriteJSON(w, http.StatusOK, resultResponse(res))
	return nil
}

func resultResponse(res handler.Result) jobResponse {
	resp := jobResponse{ID: res.JobID, Status: res.State, Error: res.Failure}
	if res.Failure == nil {
		if out, err := res.Output(); err == nil {
			resp.Output = out
		}
	}
	return resp
}

// Status reports a job's state and, once finished, its output or error.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "jobId")
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, jobResponse{ID: rec.ID, Status: rec.State, Output: rec.Output, Error: rec.Failure})
	return nil
}

// Video streams the archived MP4 of a completed job.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "jobId")

	if h.archive == nil {
		return errors.New(errors.CodeNotFound, "video archive is not configured")
	}
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != jobs.StateCompleted {
		return errors.Newf(errors.CodeNotFound, "job %s has no video (status %s)", id, rec.State).WithField("id", id)
	}

	var out handler.Response
	if err := json.Unmarshal(rec.Output, &out); err != nil || out.OutputObjectKey == "" {
		return errors.Newf(errors.CodeNotFound, "job %s was not archived", id).WithField("id", id)
	}

	rc, ct, size, err := h.archive.Open(ctx, out.OutputObjectKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
	return nil
}
