// Package render produces the numbered frame sequence for a job.
package render

import (
	"context"
	"fmt"
	"os"
	"sort"

	"broll/internal/blender"
	"broll/internal/device"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
	"broll/internal/scratch"
)

// Engine is the subset of the Blender client the renderer needs.
type Engine interface {
	Inspect(ctx context.Context, blendPath string) (blender.SceneInfo, error)
	RenderFrames(ctx context.Context, a blender.RenderArgs) error
}

// DeviceSelector picks the compute backend for a render.
type DeviceSelector interface {
	Select(ctx context.Context) (device.Selection, error)
}

// Params are the render inputs after request validation.
type Params struct {
	Template string
	Width    int
	Height   int
	Samples  int
	FPS      int
	// Duration in seconds; nil renders the template's own frame range.
	Duration *int
}

// Validate checks the numeric constraints on a render.
func (p Params) Validate() error {
	switch {
	case p.Width <= 0 || p.Height <= 0:
		return errors.ValidationField("resolution", "resolution width and height must be positive")
	case p.Samples <= 0:
		return errors.ValidationField("samples", "samples must be positive")
	case p.FPS <= 0:
		return errors.ValidationField("fps", "fps must be positive")
	case p.Duration != nil && *p.Duration <= 0:
		return errors.ValidationField("duration", "duration must be positive when set")
	case p.Template == "":
		return errors.ValidationField("template", "template path required")
	}
	return nil
}

// Range is an inclusive frame range.
type Range struct {
	Start int
	End   int
}

// Count is the number of frames in the range.
func (r Range) Count() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// FrameRange returns 1..duration*fps when a duration is requested and the
// template's native range otherwise.
func FrameRange(duration *int, fps int, native blender.SceneInfo) Range {
	if duration != nil {
		return Range{Start: 1, End: *duration * fps}
	}
	return Range{Start: native.FrameStart, End: native.FrameEnd}
}

// Result describes a completed frame sequence.
type Result struct {
	Device device.Selection
	Range  Range
	// NativeFPS is the template's own frame rate, zero when not inspected.
	NativeFPS int
}

// Renderer runs device selection and the Blender render for one workspace.
type Renderer struct {
	engine   Engine
	selector DeviceSelector
	log      *logger.Logger
}

// New returns a Renderer.
func New(engine Engine, selector DeviceSelector, log *logger.Logger) *Renderer {
	if log == nil {
		log = logger.Discard()
	}
	return &Renderer{engine: engine, selector: selector, log: log.WithComponent("render")}
}

// Render fills ws's frames directory with exactly one image per frame. On any
// failure the frames directory is emptied before returning.
func (r *Renderer) Render(ctx context.Context, ws *scratch.Workspace, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	log := r.log.FromContext(ctx)

	sel, err := r.selector.Select(ctx)
	if err != nil {
		return Result{}, err
	}
	log.Info("compute device selected", "backend", sel.Backend, "devices", sel.DeviceNames())

	var native blender.SceneInfo
	if p.Duration == nil {
		native, err = r.engine.Inspect(ctx, p.Template)
		if err != nil {
			return Result{}, renderFailure(err, "inspect template")
		}
	}
	rng := FrameRange(p.Duration, p.FPS, native)
	if rng.Count() <= 0 {
		return Result{}, errors.RenderFailure(nil, "template has an empty frame range").
			WithField("frame_start", rng.Start).
			WithField("frame_end", rng.End)
	}

	err = r.engine.RenderFrames(ctx, blender.RenderArgs{
		Template:      p.Template,
		OutputPattern: ws.FramePattern(),
		Backend:       sel.Backend,
		Width:         p.Width,
		Height:        p.Height,
		Samples:       p.Samples,
		FPS:           p.FPS,
		Start:         rng.Start,
		End:           rng.End,
	})
	if err == nil {
		err = VerifySequence(ws, rng)
	}
	if err != nil {
		if clearErr := ws.ClearFrames(); clearErr != nil {
			log.Warn("failed to discard partial frames", "error", clearErr.Error())
		}
		if errors.GetCode(err) == errors.CodeRenderFailure {
			return Result{}, err
		}
		return Result{}, renderFailure(err, "blender render failed")
	}

	log.Info("frames rendered", "count", rng.Count(), "start", rng.Start, "end", rng.End)
	return Result{Device: sel, Range: rng, NativeFPS: native.FPS}, nil
}

// VerifySequence checks that the frames directory holds exactly one image per
// frame of rng and nothing else.
func VerifySequence(ws *scratch.Workspace, rng Range) error {
	entries, err := os.ReadDir(ws.FramesDir())
	if err != nil {
		return errors.RenderFailure(err, "read frames directory")
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}

	var missing []int
	for n := rng.Start; n <= rng.End; n++ {
		name := scratch.FrameName(n)
		if !present[name] {
			missing = append(missing, n)
			continue
		}
		delete(present, name)
	}

	if len(missing) > 0 {
		return errors.RenderFailure(nil, fmt.Sprintf("%d of %d frames missing, first missing frame %d", len(missing), rng.Count(), missing[0])).
			WithField("missing", len(missing))
	}
	if len(present) > 0 {
		extra := make([]string, 0, len(present))
		for name := range present {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return errors.RenderFailure(nil, fmt.Sprintf("unexpected file in frames directory: %s", extra[0])).
			WithField("unexpected", len(extra))
	}
	return nil
}

func renderFailure(err error, msg string) error {
	if errors.Is(err, blender.ErrTimedOut) {
		msg = "render timed out"
	}
	e := errors.RenderFailure(err, msg)
	var runErr *blender.RunError
	if errors.As(err, &runErr) {
		e.WithFields(runErr.Fields())
	}
	return e
}
