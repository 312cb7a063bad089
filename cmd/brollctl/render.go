package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"broll/internal/app"
	"broll/internal/handler"
)

type renderFlags struct {
	input       string
	template    string
	templateURL string
	duration    int
	resolution  string
	samples     int
	fps         int
	output      string
	jobID       string
	jsonOut     bool
}

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var f renderFlags

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a job locally and write the MP4",
		Long: "Render a job on this host's GPU. The job comes from --input (a JSON job input, " +
			"'-' for stdin) or from the individual flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			input, err := f.jobInput(cmd)
			if err != nil {
				return err
			}

			log := app.NewLogger(cfg)
			p, err := app.NewPipeline(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			h, err := p.Handler(cfg, log)
			if err != nil {
				return err
			}

			res := h.Run(cmd.Context(), f.jobID, input)
			if f.jsonOut {
				out, err := res.Output()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			if res.Failure != nil {
				return fmt.Errorf("job %s failed: %s: %s", res.JobID, res.Failure.Kind, res.Failure.Message)
			}
			if err := writeVideo(f.output, res.Response.VideoBase64); err != nil {
				return err
			}
			if !f.jsonOut {
				fmt.Fprintln(cmd.OutOrStdout(), summarize(res, f.output))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.input, "input", "i", "", "JSON job input file, or - for stdin")
	cmd.Flags().StringVarP(&f.template, "template", "t", "", "Catalog template name")
	cmd.Flags().StringVar(&f.templateURL, "template-url", "", "Download the template from this URL")
	cmd.Flags().IntVarP(&f.duration, "duration", "d", 0, "Duration in seconds (0 renders the template's own range)")
	cmd.Flags().StringVarP(&f.resolution, "resolution", "r", "1920x1080", "Output resolution WIDTHxHEIGHT")
	cmd.Flags().IntVarP(&f.samples, "samples", "s", 128, "Cycles samples per frame")
	cmd.Flags().IntVar(&f.fps, "fps", 24, "Frames per second")
	cmd.Flags().StringVarP(&f.output, "output", "o", "output.mp4", "Where to write the MP4")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "Job id (generated when empty)")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Print the job output JSON")

	return cmd
}

// jobInput returns the job input bytes from --input or the flags.
func (f renderFlags) jobInput(cmd *cobra.Command) ([]byte, error) {
	switch f.input {
	case "":
	case "-":
		return io.ReadAll(cmd.InOrStdin())
	default:
		return os.ReadFile(f.input)
	}

	w, h, err := parseResolution(f.resolution)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"resolution": []int{w, h},
		"samples":    f.samples,
		"fps":        f.fps,
	}
	if f.template != "" {
		req["template"] = f.template
	}
	if f.templateURL != "" {
		req["template_url"] = f.templateURL
	}
	if f.duration != 0 {
		req["duration"] = f.duration
	}
	return json.Marshal(req)
}

func parseResolution(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution %q: want WIDTHxHEIGHT", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: bad width: %w", s, err)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: bad height: %w", s, err)
	}
	return w, h, nil
}

func writeVideo(path, encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode video: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func summarize(res handler.Result, path string) string {
	r := res.Response
	rows := [][]string{
		{"Job", res.JobID},
		{"Template", r.Template},
		{"Device", r.Device},
		{"Resolution", fmt.Sprintf("%dx%d", r.Resolution[0], r.Resolution[1])},
		{"Frames", fmt.Sprintf("%d @ %d fps", r.FrameCount, r.FPS)},
		{"Duration", fmt.Sprintf("%ds", r.Duration)},
		{"Samples", strconv.Itoa(r.Samples)},
		{"Render time", fmt.Sprintf("%.2fs", r.RenderTimeSeconds)},
		{"Size", humanize.IBytes(uint64(r.FileSizeBytes))},
		{"Output", path},
	}
	if r.OutputObjectKey != "" {
		rows = append(rows, []string{"Archived", r.OutputObjectKey})
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}
