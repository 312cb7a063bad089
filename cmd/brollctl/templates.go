package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"broll/internal/config"
)

func newTemplatesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List catalog templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cat, err := config.LoadCatalog(cfg.Paths.Catalog)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), catalogTable(cat))
			return nil
		},
	}
}

func catalogTable(cat config.Catalog) string {
	names := make([]string, 0, len(cat.Templates))
	for name := range cat.Templates {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		path := cat.Templates[name]
		size := "missing"
		if info, err := os.Stat(path); err == nil {
			size = humanize.IBytes(uint64(info.Size()))
		}
		rows = append(rows, []string{name, path, size})
	}
	return renderTable([]string{"Name", "Path", "Size"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight})
}
