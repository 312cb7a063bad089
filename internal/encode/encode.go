// Package encode turns a rendered frame sequence into an H.264 video using
// the GPU encoder. There is no software fallback: an encoder that cannot run
// fails the job with ENCODE_FAILURE.
package encode

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"broll/internal/config"
	"broll/internal/media/ffprobe"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
	"broll/internal/proc"
	"broll/internal/scratch"
)

// Verifier inspects an encoded file.
type Verifier interface {
	Inspect(ctx context.Context, path string) (ffprobe.Result, error)
}

// Settings control the FFmpeg invocation.
type Settings struct {
	Binary  string
	HWAccel string
	Codec   string
	Preset  string
	CQ      int
	Timeout time.Duration
}

// SettingsFromConfig copies the ffmpeg section of the configuration.
func SettingsFromConfig(c config.FFmpegConfig) Settings {
	return Settings{
		Binary:  c.Binary,
		HWAccel: c.HWAccel,
		Codec:   c.Codec,
		Preset:  c.Preset,
		CQ:      c.CQ,
		Timeout: c.Timeout,
	}
}

// Encoder runs FFmpeg over a workspace's frames.
type Encoder struct {
	s        Settings
	exec     proc.Executor
	verifier Verifier
	log      *logger.Logger
}

// Option configures the encoder.
type Option func(*Encoder)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec proc.Executor) Option {
	return func(e *Encoder) {
		if exec != nil {
			e.exec = exec
		}
	}
}

// WithVerifier checks every output with ffprobe.
func WithVerifier(v Verifier) Option {
	return func(e *Encoder) { e.verifier = v }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Encoder) {
		if log != nil {
			e.log = log
		}
	}
}

// New validates settings and returns an Encoder.
func New(s Settings, opts ...Option) (*Encoder, error) {
	if strings.TrimSpace(s.Binary) == "" {
		return nil, errors.Validation("ffmpeg binary required")
	}
	if !config.IsHardwareCodec(s.Codec) {
		return nil, errors.Validationf("codec %q is not a hardware H.264 encoder", s.Codec)
	}
	e := &Encoder{s: s, exec: proc.CommandExecutor{}, log: logger.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithComponent("encode")
	return e, nil
}

// Input describes the frame sequence to encode.
type Input struct {
	Pattern string
	Start   int
	Count   int
	FPS     int
	Output  string
}

// Output is the encoded file.
type Output struct {
	Path string
	Size int64
}

// Args builds the FFmpeg argument list.
func (e *Encoder) Args(in Input) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if e.s.Codec == "h264_vaapi" {
		args = append(args, "-vaapi_device", "/dev/dri/renderD128")
	}
	if e.s.HWAccel != "" {
		args = append(args, "-hwaccel", e.s.HWAccel)
	}
	args = append(args,
		"-framerate", strconv.Itoa(in.FPS),
		"-start_number", strconv.Itoa(in.Start),
		"-i", in.Pattern,
		"-frames:v", strconv.Itoa(in.Count),
	)
	if e.s.Codec == "h264_vaapi" {
		args = append(args, "-vf", "format=nv12,hwupload")
	}
	args = append(args, "-c:v", e.s.Codec)
	args = append(args, qualityArgs(e.s.Codec, e.s.Preset, e.s.CQ)...)
	if e.s.Codec != "h264_vaapi" {
		args = append(args, "-pix_fmt", "yuv420p")
	}
	return append(args, "-r", strconv.Itoa(in.FPS), "-movflags", "+faststart", in.Output)
}

func qualityArgs(codec, preset string, cq int) []string {
	q := strconv.Itoa(cq)
	var out []string
	switch codec {
	case "h264_nvenc":
		if preset != "" {
			out = append(out, "-preset", preset)
		}
		out = append(out, "-rc", "vbr", "-cq", q, "-b:v", "0")
	case "h264_qsv":
		if preset != "" {
			out = append(out, "-preset", preset)
		}
		out = append(out, "-global_quality", q)
	case "h264_vaapi":
		out = append(out, "-qp", q)
	case "h264_amf":
		out = append(out, "-rc", "cqp", "-qp_i", q, "-qp_p", q)
	case "h264_videotoolbox":
		out = append(out, "-q:v", strconv.Itoa(100-cq))
	}
	return out
}

// Encode writes in.Output from the frames. The frames directory is emptied
// afterwards whether or not encoding succeeded.
func (e *Encoder) Encode(ctx context.Context, ws *scratch.Workspace, in Input) (Output, error) {
	log := e.log.FromContext(ctx)
	defer func() {
		if err := ws.ClearFrames(); err != nil {
			log.Warn("failed to delete frames", "error", err.Error())
		}
	}()

	if in.Count <= 0 || in.FPS <= 0 {
		return Output{}, errors.EncodeFailure(nil, "empty frame sequence")
	}
	if in.Pattern == "" {
		in.Pattern = ws.FrameInputPattern()
	}
	if in.Output == "" {
		in.Output = ws.OutputPath()
	}

	runCtx := ctx
	if e.s.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.s.Timeout)
		defer cancel()
	}

	errTail := proc.NewTail(proc.StderrTailLines)
	log.Info("encoding video", "codec", e.s.Codec, "frames", in.Count, "fps", in.FPS)
	err := e.exec.Run(runCtx, e.s.Binary, e.Args(in), func(s proc.Stream, line string) {
		if s == proc.Stderr {
			errTail.Add(line)
		}
	})
	if err != nil {
		_ = os.Remove(in.Output)
		return Output{}, e.failure(ctx, runCtx, err, errTail.String())
	}

	info, err := os.Stat(in.Output)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(in.Output)
		return Output{}, errors.EncodeFailure(err, "encoder produced no output").WithField("codec", e.s.Codec)
	}

	if e.verifier != nil {
		res, err := e.verifier.Inspect(ctx, in.Output)
		if err != nil {
			return Output{}, errors.EncodeFailure(err, "verify encoded video")
		}
		if n := res.VideoStreamCount(); n != 1 {
			return Output{}, errors.EncodeFailure(nil, fmt.Sprintf("encoded file has %d video streams, want 1", n))
		}
	}

	log.Info("video encoded", "size", humanize.IBytes(uint64(info.Size())), "path", in.Output)
	return Output{Path: in.Output, Size: info.Size()}, nil
}

func (e *Encoder) failure(ctx, runCtx context.Context, err error, stderr string) error {
	if stderr == "" {
		var exitErr *proc.ExitError
		if errors.As(err, &exitErr) {
			stderr = exitErr.StderrTail()
		}
	}

	msg := "ffmpeg encode failed"
	switch {
	case ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded:
		msg = "encode timed out"
	case IsHardwareError(stderr):
		msg = "hardware encoder unavailable"
	}
	return errors.EncodeFailure(err, msg).
		WithField("codec", e.s.Codec).
		WithField("hardware_error", IsHardwareError(stderr)).
		WithField("stderr_tail", stderr)
}

// hardwareErrorMarkers are driver and session messages. Codec names such as
// h264_nvenc appear in every stream mapping line, so they are not markers.
var hardwareErrorMarkers = []string{
	// NVIDIA
	"cannot load libcuda",
	"cannot load libnvidia-encode",
	"no nvenc capable devices found",
	"nvenc not available",
	"doesn't support required nvenc features",
	"openencodesessionex failed",
	"cuinit(0) failed",
	"cuda_error_no_device",
	// VA-API
	"no va display found",
	"failed to initialise vaapi",
	"failed to initialize vaapi",
	"cannot open render node",
	// Quick Sync
	"error initializing an internal mfx session",
	"error creating a mfx session",
	// AMF
	"failed to initialise amf",
	"amf runtime",
	// VideoToolbox
	"kvtcouldnotfindvideoencoder",
	"vt session",
	// generic
	"device creation failed",
	"no device available for decoder",
	"unknown encoder",
}

// IsHardwareError reports whether FFmpeg output points at a missing or broken
// GPU encoder rather than bad input.
func IsHardwareError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range hardwareErrorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
