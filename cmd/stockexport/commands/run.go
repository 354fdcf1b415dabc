package commands

import (
	"fmt"
	"log/slog"

	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/pkg/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <warehouse>",
	Short: "Exports, extracts and uploads the inventory of a single warehouse.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := loadConfig()
		tel := telemetry.SlogAPI{}

		g, err := newGoogle(cfg, tel)
		if err != nil {
			serviceutil.Fatal("failed to setup google", err)
		}
		runs, err := openRuns(ctx, cfg)
		if err != nil {
			serviceutil.Fatal("failed to open run log", err)
		}
		if runs != nil {
			defer runs.Close()
		}
		runner, err := newRunner(cfg, g, runs, tel)
		if err != nil {
			serviceutil.Fatal("failed to setup runner", err)
		}

		result, err := runner.Run(ctx, args[0])
		if err != nil {
			serviceutil.Fatal("export failed", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"#", "Position", "Quantity"})
		for i, row := range result.Rows {
			t.AppendRow(table.Row{i + 1, row.Position, row.Quantity})
		}
		t.AppendFooter(table.Row{"", "Rows", len(result.Rows)})
		t.Render()

		slog.Info(
			"uploaded export",
			"warehouse", result.Warehouse.Name,
			"file", result.Filename,
			"file_id", result.File.Id,
			"run", result.RunId,
		)
		if result.File.WebViewLink != "" {
			fmt.Println(result.File.WebViewLink)
		}
	},
}
