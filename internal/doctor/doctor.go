// Package doctor checks that a host can run render jobs: the external
// binaries exist, the scratch directory is usable and a GPU backend answers.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"broll/internal/config"
	"broll/internal/device"
	"broll/internal/proc"
)

// Result is the outcome of one check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail"`
}

// Requirement is an external binary the worker runs.
type Requirement struct {
	Name     string
	Command  string
	Optional bool
}

// Healthy reports whether every required check passed.
func Healthy(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Optional {
			return false
		}
	}
	return true
}

// Requirements lists the binaries cfg refers to.
func Requirements(cfg *config.Config) []Requirement {
	reqs := []Requirement{
		{Name: "Blender", Command: cfg.Blender.Binary},
		{Name: "FFmpeg", Command: cfg.FFmpeg.Binary},
		{Name: "FFprobe", Command: cfg.FFprobe.Binary, Optional: true},
		{Name: "nvidia-smi", Command: "nvidia-smi", Optional: true},
	}
	if len(cfg.Blender.Wrapper) > 0 {
		reqs = append(reqs, Requirement{Name: "Display wrapper", Command: cfg.Blender.Wrapper[0]})
	}
	return reqs
}

// CheckBinaries resolves each requirement on PATH.
func CheckBinaries(requirements []Requirement) []Result {
	results := make([]Result, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		res := Result{Name: req.Name, Optional: req.Optional}
		switch path, err := exec.LookPath(cmd); {
		case cmd == "":
			res.Detail = "command not configured"
		case err != nil:
			res.Detail = fmt.Sprintf("binary %q not found", cmd)
		default:
			res.Passed = true
			res.Detail = path
		}
		results = append(results, res)
	}
	return results
}

// CheckDirectoryAccess verifies that path is a directory the worker can
// read, write and traverse.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// GPUNames asks nvidia-smi for the installed GPU names.
func GPUNames(ctx context.Context, runner proc.Executor, binary string) ([]string, error) {
	if binary == "" {
		binary = "nvidia-smi"
	}
	var names []string
	err := runner.Run(ctx, binary, []string{"--query-gpu=name", "--format=csv,noheader"}, func(s proc.Stream, line string) {
		if s == proc.Stdout {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// CheckBackends probes every backend in preference and reports which ones
// have devices. It passes when at least one does.
func CheckBackends(ctx context.Context, prober device.Prober, preference []device.Backend) (Result, map[device.Backend][]device.Device) {
	res := Result{Name: "GPU backend"}
	available, err := prober.ProbeDevices(ctx, preference)
	if err != nil {
		res.Detail = fmt.Sprintf("probe failed: %v", err)
		return res, nil
	}
	sel, err := device.Choose(preference, available)
	if err != nil {
		res.Detail = fmt.Sprintf("no devices for %s", joinBackends(preference))
		return res, available
	}
	res.Passed = true
	res.Detail = fmt.Sprintf("%s (%s)", sel.Backend, strings.Join(sel.DeviceNames(), ", "))
	return res, available
}

func joinBackends(bs []device.Backend) string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return strings.Join(out, ", ")
}

// Options select the checks Run performs.
type Options struct {
	Exec proc.Executor
	// Prober is optional; nil skips the backend probe, which starts Blender.
	Prober  device.Prober
	Timeout time.Duration
}

// Run executes every applicable check for cfg.
func Run(ctx context.Context, cfg *config.Config, opts Options) []Result {
	results := CheckBinaries(Requirements(cfg))
	results = append(results, CheckDirectoryAccess("Scratch directory", cfg.Paths.ScratchDir))

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.Exec != nil {
		gpu := Result{Name: "GPUs", Optional: true}
		if names, err := GPUNames(ctx, opts.Exec, ""); err != nil {
			gpu.Detail = fmt.Sprintf("nvidia-smi failed: %v", err)
		} else if len(names) == 0 {
			gpu.Detail = "no NVIDIA GPUs reported"
		} else {
			gpu.Passed = true
			gpu.Detail = strings.Join(names, ", ")
		}
		results = append(results, gpu)
	}

	if opts.Prober != nil {
		pref, err := device.ParseBackends(cfg.Device.Preference)
		if err != nil {
			results = append(results, Result{Name: "GPU backend", Detail: err.Error()})
		} else {
			res, _ := CheckBackends(ctx, opts.Prober, pref)
			results = append(results, res)
		}
	}
	return results
}
