package commands

import (
	"time"

	"stockexport-backend/internal/warehouse"
	"stockexport-backend/pkg/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runsWarehouse *string
var runsLimit *int

func init() {
	runsWarehouse = runsCmd.Flags().String("almacen", "", "Only list the runs of this warehouse.")
	runsLimit = runsCmd.Flags().Int("limit", 20, "The maximum amount of runs to list.")
	rootCmd.AddCommand(runsCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs [--almacen <warehouse>] [--limit <n>]",
	Short: "Lists the most recent exports.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store, err := openRuns(cmd.Context(), cfg)
		if err != nil {
			serviceutil.Fatal("failed to open run log", err)
		}
		if store == nil {
			serviceutil.Fatal("run log is disabled", errRunLogDisabled)
		}
		defer store.Close()

		name := *runsWarehouse
		if name != "" {
			name = warehouse.Normalize(name)
		}
		runs, err := store.List(cmd.Context(), name, *runsLimit)
		if err != nil {
			serviceutil.Fatal("failed to list runs", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Started", "Warehouse", "Status", "Took", "Rows", "Failed in", "Error", "File"})
		for _, run := range runs {
			t.AppendRow(table.Row{
				run.StartedAt.Format(time.DateTime),
				run.Warehouse,
				run.Status,
				run.Duration().Round(time.Second),
				run.Rows,
				run.FailedState,
				run.ErrorCode,
				run.FileId,
			})
		}
		t.Render()
	},
}
