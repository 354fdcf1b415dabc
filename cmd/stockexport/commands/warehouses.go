package commands

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(warehousesCmd)
}

var warehousesCmd = &cobra.Command{
	Use:   "warehouses",
	Short: "Lists the known warehouses, their filters and destination folders.",
	Run: func(cmd *cobra.Command, args []string) {
		catalog := loadConfig().Catalog()

		t := newTable()
		t.AppendHeader(table.Row{"Warehouse", "Filter code", "Shelf code", "Drive folder"})
		for _, w := range catalog.Warehouses() {
			folder, ok := catalog.Folder(w.Filename())
			if !ok {
				folder = "(none)"
			}
			t.AppendRow(table.Row{w.Name, w.FilterCode, w.ShelfCode, folder})
		}
		t.Render()
	},
}
