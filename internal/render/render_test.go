package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"broll/internal/blender"
	"broll/internal/device"
	"broll/internal/pkg/errors"
	"broll/internal/scratch"
)

type fakeEngine struct {
	scene      blender.SceneInfo
	inspectErr error
	renderErr  error
	// skip lists frame numbers the fake does not write.
	skip     map[int]bool
	extra    string
	inspects int
	renders  []blender.RenderArgs
}

func (f *fakeEngine) Inspect(context.Context, string) (blender.SceneInfo, error) {
	f.inspects++
	return f.scene, f.inspectErr
}

func (f *fakeEngine) RenderFrames(_ context.Context, a blender.RenderArgs) error {
	f.renders = append(f.renders, a)
	dir := filepath.Dir(a.OutputPattern)
	for n := a.Start; n <= a.End; n++ {
		if f.skip[n] {
			continue
		}
		name := strings.Replace(filepath.Base(a.OutputPattern), "####", fmt.Sprintf("%04d", n), 1) + ".png"
		if err := os.WriteFile(filepath.Join(dir, name), []byte("png"), 0o644); err != nil {
			return err
		}
	}
	if f.extra != "" {
		_ = os.WriteFile(filepath.Join(dir, f.extra), []byte("x"), 0o644)
	}
	return f.renderErr
}

type fixedSelector struct {
	sel device.Selection
	err error
}

func (s fixedSelector) Select(context.Context) (device.Selection, error) {
	return s.sel, s.err
}

var cudaSelection = fixedSelector{sel: device.Selection{Backend: device.CUDA, Devices: []device.Device{{Name: "RTX", Type: "CUDA"}}}}

func intPtr(v int) *int { return &v }

func newWorkspace(t *testing.T) *scratch.Workspace {
	t.Helper()
	ws, err := scratch.Create(t.TempDir(), "job")
	if err != nil {
		t.Fatalf("scratch.Create: %v", err)
	}
	t.Cleanup(func() { _ = ws.Release() })
	return ws
}

func countFrames(t *testing.T, ws *scratch.Workspace) int {
	t.Helper()
	entries, err := os.ReadDir(ws.FramesDir())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestFrameRange(t *testing.T) {
	native := blender.SceneInfo{FrameStart: 1, FrameEnd: 250, FPS: 30}
	tests := []struct {
		name     string
		duration *int
		fps      int
		want     Range
	}{
		{"duration times fps", intPtr(4), 24, Range{1, 96}},
		{"one second", intPtr(1), 30, Range{1, 30}},
		{"native range", nil, 24, Range{1, 250}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FrameRange(tt.duration, tt.fps, native)
			if got != tt.want {
				t.Errorf("FrameRange = %+v, want %+v", got, tt.want)
			}
		})
	}

	if got := FrameRange(nil, 24, blender.SceneInfo{FrameStart: 10, FrameEnd: 19}).Count(); got != 10 {
		t.Errorf("native offset range count = %d, want 10", got)
	}
}

func TestRenderDurationProducesExactFrames(t *testing.T) {
	ws := newWorkspace(t)
	engine := &fakeEngine{}
	r := New(engine, cudaSelection, nil)

	res, err := r.Render(context.Background(), ws, Params{
		Template: "/t.blend", Width: 1920, Height: 1080, Samples: 64, FPS: 24, Duration: intPtr(4),
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Range.Count() != 96 {
		t.Errorf("frame count = %d, want 96", res.Range.Count())
	}
	if got := countFrames(t, ws); got != 96 {
		t.Errorf("frames on disk = %d, want 96", got)
	}
	if engine.inspects != 0 {
		t.Error("template should not be inspected when duration is given")
	}
	if engine.renders[0].Backend != device.CUDA {
		t.Errorf("rendered on %s", engine.renders[0].Backend)
	}
	if !res.Device.GPU() {
		t.Error("expected GPU selection")
	}
}

func TestRenderNativeRange(t *testing.T) {
	ws := newWorkspace(t)
	engine := &fakeEngine{scene: blender.SceneInfo{FrameStart: 5, FrameEnd: 14, FPS: 30}}
	r := New(engine, cudaSelection, nil)

	res, err := r.Render(context.Background(), ws, Params{Template: "/t.blend", Width: 640, Height: 360, Samples: 8, FPS: 30})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Range != (Range{5, 14}) || res.NativeFPS != 30 {
		t.Errorf("unexpected result: %+v", res)
	}
	if engine.inspects != 1 {
		t.Errorf("inspects = %d", engine.inspects)
	}
}

func TestRenderValidatesBeforeWork(t *testing.T) {
	tests := []struct {
		name  string
		p     Params
		field string
	}{
		{"zero width", Params{Template: "t", Width: 0, Height: 1, Samples: 1, FPS: 1}, "resolution"},
		{"negative height", Params{Template: "t", Width: 1, Height: -1, Samples: 1, FPS: 1}, "resolution"},
		{"zero samples", Params{Template: "t", Width: 1, Height: 1, Samples: 0, FPS: 1}, "samples"},
		{"zero fps", Params{Template: "t", Width: 1, Height: 1, Samples: 1, FPS: 0}, "fps"},
		{"zero duration", Params{Template: "t", Width: 1, Height: 1, Samples: 1, FPS: 1, Duration: intPtr(0)}, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			_, err := New(engine, cudaSelection, nil).Render(context.Background(), newWorkspace(t), tt.p)
			if !errors.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if errors.GetFields(err)["field"] != tt.field {
				t.Errorf("field = %v, want %s", errors.GetFields(err)["field"], tt.field)
			}
			if len(engine.renders) != 0 || engine.inspects != 0 {
				t.Error("engine must not run for invalid params")
			}
		})
	}
}

func TestRenderHardwareUnavailable(t *testing.T) {
	engine := &fakeEngine{}
	sel := fixedSelector{err: errors.HardwareUnavailable([]string{"OPTIX", "CUDA"})}

	_, err := New(engine, sel, nil).Render(context.Background(), newWorkspace(t), Params{
		Template: "/t.blend", Width: 1, Height: 1, Samples: 1, FPS: 1, Duration: intPtr(1),
	})
	if !errors.IsCode(err, errors.CodeHardwareUnavailable) {
		t.Fatalf("expected HARDWARE_UNAVAILABLE, got %v", err)
	}
	if len(engine.renders) != 0 {
		t.Error("render must not start without a device")
	}
}

func TestRenderFailureDiscardsPartialFrames(t *testing.T) {
	ws := newWorkspace(t)
	engine := &fakeEngine{renderErr: &blender.RunError{Op: "render", Err: fmt.Errorf("exit 1"), Stderr: []string{"CUDA error"}}}

	_, err := New(engine, cudaSelection, nil).Render(context.Background(), ws, Params{
		Template: "/t.blend", Width: 1, Height: 1, Samples: 1, FPS: 10, Duration: intPtr(1),
	})
	if !errors.IsCode(err, errors.CodeRenderFailure) {
		t.Fatalf("expected RENDER_FAILURE, got %v", err)
	}
	if errors.GetFields(err)["stderr_tail"] != "CUDA error" {
		t.Errorf("stderr tail not attached: %v", errors.GetFields(err))
	}
	if got := countFrames(t, ws); got != 0 {
		t.Errorf("partial frames left behind: %d", got)
	}
}

func TestRenderTimeout(t *testing.T) {
	engine := &fakeEngine{renderErr: &blender.RunError{Op: "render", Err: blender.ErrTimedOut}}

	_, err := New(engine, cudaSelection, nil).Render(context.Background(), newWorkspace(t), Params{
		Template: "/t.blend", Width: 1, Height: 1, Samples: 1, FPS: 1, Duration: intPtr(1),
	})
	if !errors.IsCode(err, errors.CodeRenderFailure) || !strings.Contains(err.Error(), "render timed out") {
		t.Fatalf("expected render timed out failure, got %v", err)
	}
}

func TestRenderGapIsFailure(t *testing.T) {
	ws := newWorkspace(t)
	engine := &fakeEngine{skip: map[int]bool{7: true}}

	_, err := New(engine, cudaSelection, nil).Render(context.Background(), ws, Params{
		Template: "/t.blend", Width: 1, Height: 1, Samples: 1, FPS: 10, Duration: intPtr(1),
	})
	if !errors.IsCode(err, errors.CodeRenderFailure) || !strings.Contains(err.Error(), "first missing frame 7") {
		t.Fatalf("expected gap failure, got %v", err)
	}
	if got := countFrames(t, ws); got != 0 {
		t.Errorf("partial frames left behind: %d", got)
	}
}

func TestRenderEmptyNativeRange(t *testing.T) {
	engine := &fakeEngine{scene: blender.SceneInfo{FrameStart: 10, FrameEnd: 9}}
	_, err := New(engine, cudaSelection, nil).Render(context.Background(), newWorkspace(t), Params{
		Template: "/t.blend", Width: 1, Height: 1, Samples: 1, FPS: 1,
	})
	if !errors.IsCode(err, errors.CodeRenderFailure) {
		t.Fatalf("expected RENDER_FAILURE, got %v", err)
	}
}

func TestVerifySequenceRejectsExtraFiles(t *testing.T) {
	ws := newWorkspace(t)
	engine := &fakeEngine{extra: "frame_0099.png"}

	_, err := New(engine, cudaSelection, nil).Render(context.Background(), ws, Params{
		Template: "/t.blend", Width: 1, Height: 1, Samples: 1, FPS: 2, Duration: intPtr(1),
	})
	if !errors.IsCode(err, errors.CodeRenderFailure) || !strings.Contains(err.Error(), "frame_0099.png") {
		t.Fatalf("expected unexpected-file failure, got %v", err)
	}
}
