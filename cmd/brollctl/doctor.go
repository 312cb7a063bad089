package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"broll/internal/app"
	"broll/internal/doctor"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var skipProbe bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check binaries, scratch space and GPU backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p, err := app.NewPipeline(cmd.Context(), cfg, app.NewLogger(cfg))
			if err != nil {
				return err
			}

			opts := doctor.Options{Exec: p.Exec, Timeout: cfg.Blender.ProbeTimeout}
			if !skipProbe {
				opts.Prober = p.Blender
			}
			results := doctor.Run(cmd.Context(), cfg, opts)

			fmt.Fprintln(cmd.OutOrStdout(), doctorTable(results))
			if !doctor.Healthy(results) {
				return errors.New("doctor: required checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipProbe, "skip-probe", false, "Skip the Blender device probe")
	return cmd
}

func doctorTable(results []doctor.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		switch {
		case !r.Passed && r.Optional:
			status = "warn"
		case !r.Passed:
			status = "FAIL"
		}
		rows = append(rows, []string{r.Name, status, r.Detail})
	}
	return renderTable([]string{"Check", "Status", "Detail"}, rows, nil)
}
