package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"broll/internal/config"
	"broll/internal/device"
	"broll/internal/proc"
)

type linesExecutor struct {
	lines []string
	err   error
	args  []string
}

func (e *linesExecutor) Run(_ context.Context, _ string, args []string, onLine func(proc.Stream, string)) error {
	e.args = args
	for _, l := range e.lines {
		onLine(proc.Stdout, l)
	}
	return e.err
}

func TestCheckBinaries(t *testing.T) {
	results := CheckBinaries([]Requirement{
		{Name: "shell", Command: "sh"},
		{Name: "missing", Command: "broll-definitely-missing-binary"},
		{Name: "empty", Command: " ", Optional: true},
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Passed {
		t.Errorf("sh should be found: %+v", results[0])
	}
	if results[1].Passed || !strings.Contains(results[1].Detail, "not found") {
		t.Errorf("unexpected result for missing binary: %+v", results[1])
	}
	if results[2].Passed || results[2].Detail != "command not configured" {
		t.Errorf("unexpected result for empty command: %+v", results[2])
	}
	if Healthy(results) {
		t.Error("missing required binary should be unhealthy")
	}
	if !Healthy([]Result{{Passed: true}, {Optional: true}}) {
		t.Error("failed optional checks should not make the host unhealthy")
	}
}

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()
	if res := CheckDirectoryAccess("scratch", dir); !res.Passed {
		t.Errorf("expected pass: %+v", res)
	}
	if res := CheckDirectoryAccess("scratch", filepath.Join(dir, "nope")); res.Passed || !strings.Contains(res.Detail, "does not exist") {
		t.Errorf("expected missing dir failure: %+v", res)
	}
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if res := CheckDirectoryAccess("scratch", file); res.Passed || !strings.Contains(res.Detail, "not a directory") {
		t.Errorf("expected not-a-directory failure: %+v", res)
	}
}

func TestGPUNames(t *testing.T) {
	exec := &linesExecutor{lines: []string{"NVIDIA GeForce RTX 4090", "", "NVIDIA A100 "}}
	names, err := GPUNames(context.Background(), exec, "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, "|") != "NVIDIA GeForce RTX 4090|NVIDIA A100" {
		t.Errorf("names = %q", names)
	}
	if strings.Join(exec.args, " ") != "--query-gpu=name --format=csv,noheader" {
		t.Errorf("args = %v", exec.args)
	}

	if _, err := GPUNames(context.Background(), &linesExecutor{err: fmt.Errorf("exit 9")}, "nvidia-smi"); err == nil {
		t.Error("expected error")
	}
}

func TestCheckBackends(t *testing.T) {
	pref := device.DefaultPreference()
	prober := device.ProberFunc(func(context.Context, []device.Backend) (map[device.Backend][]device.Device, error) {
		return map[device.Backend][]device.Device{
			device.HIP:  {{Name: "RX 7900", Type: "HIP"}},
			device.CUDA: {},
		}, nil
	})
	res, available := CheckBackends(context.Background(), prober, pref)
	if !res.Passed || res.Detail != "HIP (RX 7900)" {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(available[device.HIP]) != 1 {
		t.Errorf("available = %v", available)
	}

	empty := device.ProberFunc(func(context.Context, []device.Backend) (map[device.Backend][]device.Device, error) {
		return nil, nil
	})
	if res, _ := CheckBackends(context.Background(), empty, pref); res.Passed || !strings.Contains(res.Detail, "OPTIX") {
		t.Errorf("expected failure listing backends: %+v", res)
	}
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Blender.Binary = "sh"
	cfg.FFmpeg.Binary = "sh"
	cfg.FFprobe.Binary = ""
	cfg.Blender.Wrapper = nil
	cfg.Paths.ScratchDir = t.TempDir()

	results := Run(context.Background(), &cfg, Options{
		Exec: &linesExecutor{lines: []string{"RTX"}},
		Prober: device.ProberFunc(func(context.Context, []device.Backend) (map[device.Backend][]device.Device, error) {
			return map[device.Backend][]device.Device{device.OptiX: {{Name: "RTX", Type: "OPTIX"}}}, nil
		}),
	})

	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Name] = r
	}
	for _, name := range []string{"Blender", "FFmpeg", "Scratch directory", "GPUs", "GPU backend"} {
		if !byName[name].Passed {
			t.Errorf("%s should pass: %+v", name, byName[name])
		}
	}
	if byName["FFprobe"].Passed || !byName["FFprobe"].Optional {
		t.Errorf("unconfigured ffprobe should be an optional failure: %+v", byName["FFprobe"])
	}
	if _, ok := byName["Display wrapper"]; ok {
		t.Error("no wrapper configured, no wrapper check expected")
	}
}
