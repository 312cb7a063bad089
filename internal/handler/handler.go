// Package handler runs one render job end to end: validate the request,
// resolve the template, render frames, encode the video and build the
// response. Every failure ends the job in FAILED with a structured error.
package handler

import (
	"context"
	"encoding/base64"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"broll/internal/encode"
	"broll/internal/jobs"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
	"broll/internal/render"
	"broll/internal/scratch"
	"broll/internal/templates"
)

type TemplateResolver interface {
	Resolve(ctx context.Context, name, rawURL, dest string) (templates.Resolved, error)
}

type FrameRenderer interface {
	Render(ctx context.Context, ws *scratch.Workspace, p render.Params) (render.Result, error)
}

type VideoEncoder interface {
	Encode(ctx context.Context, ws *scratch.Workspace, in encode.Input) (encode.Output, error)
}

// Archiver keeps a copy of the finished video and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, jobID, localPath string) (string, error)
}

// Observer is told about each state a job enters before it finishes. The
// final state is reported by the returned Result.
type Observer func(ctx context.Context, jobID string, state jobs.State)

// GPUInfo lists the GPUs visible to the host, for logging only.
type GPUInfo func(ctx context.Context) ([]string, error)

type Handler struct {
	scratchRoot string
	resolver    TemplateResolver
	renderer    FrameRenderer
	encoder     VideoEncoder
	archiver    Archiver
	observer    Observer
	gpuInfo     GPUInfo
	log         *logger.Logger
	now         func() time.Time
}

type Option func(*Handler)

func WithArchiver(a Archiver) Option {
	return func(h *Handler) { h.archiver = a }
}

func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

func WithGPUInfo(f GPUInfo) Option {
	return func(h *Handler) { h.gpuInfo = f }
}

func WithLogger(log *logger.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New returns a Handler that keeps per-job workspaces under scratchRoot.
func New(scratchRoot string, resolver TemplateResolver, renderer FrameRenderer, encoder VideoEncoder, opts ...Option) *Handler {
	h := &Handler{
		scratchRoot: scratchRoot,
		resolver:    resolver,
		renderer:    renderer,
		encoder:     encoder,
		log:         logger.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithComponent("handler")
	return h
}

// Run executes one job. An empty jobID gets a fresh one. Run never returns
// partially: the Result is either COMPLETED with a response or FAILED with a
// failure.
func (h *Handler) Run(ctx context.Context, jobID string, input []byte) Result {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := h.log.FromContext(ctx)

	h.enter(ctx, jobID, jobs.StateReceived)
	resp, err := h.run(ctx, jobID, input)
	if err != nil {
		f := jobs.FailureFrom(err)
		log.Error("job failed", "kind", f.Kind, "error", err.Error(), "fields", errors.GetFields(err))
		return Result{JobID: jobID, State: jobs.StateFailed, Failure: f}
	}

	log.Info("job completed",
		"template", resp.Template,
		"frames", resp.FrameCount,
		"device", resp.Device,
		"render_time_seconds", resp.RenderTimeSeconds,
		"file_size_bytes", resp.FileSizeBytes,
	)
	return Result{JobID: jobID, State: jobs.StateCompleted, Response: resp}
}

func (h *Handler) run(ctx context.Context, jobID string, input []byte) (*Response, error) {
	log := h.log.FromContext(ctx)

	req, err := ParseRequest(input)
	if err != nil {
		return nil, err
	}

	ws, err := scratch.Create(h.scratchRoot, jobID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.Warn("failed to release workspace", "dir", ws.Dir, "error", err.Error())
		}
	}()

	if h.gpuInfo != nil {
		if names, err := h.gpuInfo(ctx); err != nil {
			log.Warn("gpu query failed", "error", err.Error())
		} else {
			log.Info("gpus visible", "gpus", names)
		}
	}

	tpl, err := h.resolver.Resolve(ctx, req.Template, req.TemplateURL, ws.TemplatePath())
	if err != nil {
		return nil, err
	}
	h.enter(ctx, jobID, jobs.StateTemplateResolved)

	start := h.now()
	h.enter(ctx, jobID, jobs.StateRendering)
	res, err := h.renderer.Render(ctx, ws, req.Params(tpl.Path))
	if err != nil {
		return nil, err
	}

	h.enter(ctx, jobID, jobs.StateEncoding)
	out, err := h.encoder.Encode(ctx, ws, encode.Input{
		Pattern: ws.FrameInputPattern(),
		Start:   res.Range.Start,
		Count:   res.Range.Count(),
		FPS:     *req.FPS,
		Output:  ws.OutputPath(),
	})
	if err != nil {
		return nil, err
	}
	elapsed := h.now().Sub(start)

	video, err := os.ReadFile(out.Path)
	if err != nil {
		return nil, errors.EncodeFailure(err, "read encoded video")
	}

	resp := &Response{
		VideoBase64:       base64.StdEncoding.EncodeToString(video),
		Template:          tpl.Name,
		TemplateURL:       tpl.URL,
		Duration:          durationSeconds(req.Duration, res.Range.Count(), *req.FPS),
		Resolution:        [2]int{req.Resolution[0], req.Resolution[1]},
		RenderTimeSeconds: math.Round(elapsed.Seconds()*100) / 100,
		FileSizeBytes:     int64(len(video)),
		GPUUsed:           res.Device.GPU(),
		FPS:               *req.FPS,
		Samples:           *req.Samples,
		FrameCount:        res.Range.Count(),
		Device:            string(res.Device.Backend),
	}

	if h.archiver != nil {
		key, err := h.archiver.Archive(ctx, jobID, out.Path)
		if err != nil {
			log.Warn("archive failed; returning inline video only", "error", err.Error())
		} else {
			resp.OutputObjectKey = key
		}
	}
	return resp, nil
}

func (h *Handler) enter(ctx context.Context, jobID string, state jobs.State) {
	h.log.FromContext(ctx).Debug("job state", "state", string(state))
	if h.observer != nil {
		h.observer(ctx, jobID, state)
	}
}

// durationSeconds is the requested duration, or the rendered length rounded
// to whole seconds when the template's own range was used.
func durationSeconds(requested *int, frames, fps int) int {
	if requested != nil {
		return *requested
	}
	if fps <= 0 {
		return 0
	}
	return int(math.Round(float64(frames) / float64(fps)))
}
