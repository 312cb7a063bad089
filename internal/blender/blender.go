// Package blender drives the Blender command line in background mode.
//
// Each operation runs an embedded Python script through --python-expr and,
// where a result is needed, reads it back from a single marker line on stdout.
package blender

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"broll/internal/device"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
	"broll/internal/proc"
)

var (
	//go:embed scripts/probe.py
	probeScript string
	//go:embed scripts/inspect.py
	inspectScript string
	//go:embed scripts/setup.py
	setupScript string
)

const (
	probeMarker  = "BROLL_PROBE "
	sceneMarker  = "BROLL_SCENE "
	deviceMarker = "BROLL_DEVICE "

	stdoutTailLines = 50
	stderrTailLines = 20
)

// ErrTimedOut is returned when a Blender run exceeds its time limit.
var ErrTimedOut = errors.New(errors.CodeTimeout, "blender timed out")

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec proc.Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithWrapper runs Blender under another command such as xvfb-run.
func WithWrapper(wrapper []string) Option {
	return func(c *Client) {
		c.wrapper = append([]string(nil), wrapper...)
	}
}

// WithTimeouts bounds probe/inspect runs and render runs.
func WithTimeouts(probe, render time.Duration) Option {
	return func(c *Client) {
		if probe > 0 {
			c.probeTimeout = probe
		}
		if render > 0 {
			c.renderTimeout = render
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// Client wraps Blender CLI interactions.
type Client struct {
	binary        string
	wrapper       []string
	probeTimeout  time.Duration
	renderTimeout time.Duration
	exec          proc.Executor
	log           *logger.Logger
}

// New constructs a Blender client.
func New(binary string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.Validation("blender binary required")
	}
	c := &Client{
		binary:        binary,
		probeTimeout:  2 * time.Minute,
		renderTimeout: time.Hour,
		exec:          proc.CommandExecutor{},
		log:           logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("blender")
	return c, nil
}

// RunError describes a failed Blender run with the tail of its output.
type RunError struct {
	Op     string
	Err    error
	Stdout []string
	Stderr []string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("blender %s: %v", e.Op, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Fields returns the output tails for attaching to a coded error.
func (e *RunError) Fields() map[string]any {
	return map[string]any{
		"stdout_tail": strings.Join(e.Stdout, "\n"),
		"stderr_tail": strings.Join(e.Stderr, "\n"),
	}
}

// ProbeDevices reports the devices Cycles exposes for each backend.
func (c *Client) ProbeDevices(ctx context.Context, backends []device.Backend) (map[device.Backend][]device.Device, error) {
	args := []string{"-b", "--factory-startup", "--python-exit-code", "3", "--python-expr", probeScript, "--"}
	for _, b := range backends {
		args = append(args, string(b))
	}

	var raw map[string][]device.Device
	err := c.runMarker(ctx, "probe", c.probeTimeout, args, probeMarker, &raw)
	if err != nil {
		return nil, err
	}

	out := make(map[device.Backend][]device.Device, len(raw))
	for name, devs := range raw {
		out[device.Backend(name)] = devs
	}
	return out, nil
}

// SceneInfo is the animation setup stored in a .blend file.
type SceneInfo struct {
	Scene      string  `json:"scene"`
	FrameStart int     `json:"frame_start"`
	FrameEnd   int     `json:"frame_end"`
	FPS        int     `json:"fps"`
	FPSBase    float64 `json:"fps_base"`
	Resolution [2]int  `json:"resolution"`
}

// FrameCount is the number of frames in the native range.
func (s SceneInfo) FrameCount() int {
	if s.FrameEnd < s.FrameStart {
		return 0
	}
	return s.FrameEnd - s.FrameStart + 1
}

// Inspect reads the native frame range of a template.
func (c *Client) Inspect(ctx context.Context, blendPath string) (SceneInfo, error) {
	args := []string{"-b", blendPath, "--python-exit-code", "3", "--python-expr", inspectScript}

	var info SceneInfo
	if err := c.runMarker(ctx, "inspect", c.probeTimeout, args, sceneMarker, &info); err != nil {
		return SceneInfo{}, err
	}
	return info, nil
}

// RenderArgs describes one frame-range render.
type RenderArgs struct {
	Template string
	// OutputPattern is passed to -o, e.g. /scratch/job/frames/frame_####.
	OutputPattern string
	Backend       device.Backend
	Width         int
	Height        int
	Samples       int
	FPS           int
	Start         int
	End           int
}

// RenderArgv builds the Blender argument list for a render, without wrapper.
func RenderArgv(a RenderArgs) []string {
	return []string{
		"-b", a.Template,
		"--python-exit-code", "3",
		"--python-expr", setupScript,
		"-o", a.OutputPattern,
		"-F", "PNG",
		"-x", "1",
		"-s", strconv.Itoa(a.Start),
		"-e", strconv.Itoa(a.End),
		"-a",
		"--",
		"--device", string(a.Backend),
		"--width", strconv.Itoa(a.Width),
		"--height", strconv.Itoa(a.Height),
		"--samples", strconv.Itoa(a.Samples),
		"--fps", strconv.Itoa(a.FPS),
	}
}

// RenderFrames renders the frame range to numbered PNG files.
func (c *Client) RenderFrames(ctx context.Context, a RenderArgs) error {
	log := c.log.FromContext(ctx)
	log.Info("blender render starting",
		"backend", a.Backend,
		"frames", fmt.Sprintf("%d-%d", a.Start, a.End),
		"resolution", fmt.Sprintf("%dx%d", a.Width, a.Height),
		"samples", a.Samples,
	)

	var enabled []string
	err := c.run(ctx, "render", c.renderTimeout, RenderArgv(a), func(s proc.Stream, line string) {
		if s == proc.Stdout && strings.HasPrefix(line, deviceMarker) {
			enabled = append(enabled, strings.TrimPrefix(line, deviceMarker))
		}
	})
	if err != nil {
		return err
	}
	log.Info("blender render finished", "devices", strings.Join(enabled, ", "))
	return nil
}

func (c *Client) runMarker(ctx context.Context, op string, timeout time.Duration, args []string, marker string, dst any) error {
	var payload string
	err := c.run(ctx, op, timeout, args, func(s proc.Stream, line string) {
		if s == proc.Stdout && strings.HasPrefix(line, marker) {
			payload = strings.TrimPrefix(line, marker)
		}
	})
	if err != nil {
		return err
	}
	if payload == "" {
		return &RunError{Op: op, Err: fmt.Errorf("no %s line in output", strings.TrimSpace(marker))}
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return &RunError{Op: op, Err: fmt.Errorf("decode %s output: %w", op, err)}
	}
	return nil
}

func (c *Client) run(ctx context.Context, op string, timeout time.Duration, args []string, onLine func(proc.Stream, string)) error {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outTail := proc.NewTail(stdoutTailLines)
	errTail := proc.NewTail(stderrTailLines)

	name, argv := c.command(args)
	err := c.exec.Run(runCtx, name, argv, func(s proc.Stream, line string) {
		if s == proc.Stderr {
			errTail.Add(line)
		} else {
			outTail.Add(line)
		}
		if onLine != nil {
			onLine(s, line)
		}
	})

	stdout, stderr := outTail.Lines(), errTail.Lines()
	log := c.log.FromContext(ctx)
	if err != nil {
		if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
			err = ErrTimedOut
		}
		log.Warn("blender run failed", "op", op, "error", err.Error())
		return &RunError{Op: op, Err: err, Stdout: stdout, Stderr: stderr}
	}
	log.Debug("blender run finished", "op", op, "stdout_tail", strings.Join(stdout, "\n"), "stderr_tail", strings.Join(stderr, "\n"))
	return nil
}

func (c *Client) command(args []string) (string, []string) {
	if len(c.wrapper) == 0 {
		return c.binary, args
	}
	argv := make([]string, 0, len(c.wrapper)+len(args))
	argv = append(argv, c.wrapper[1:]...)
	argv = append(argv, c.binary)
	argv = append(argv, args...)
	return c.wrapper[0], argv
}

var _ device.Prober = (*Client)(nil)
