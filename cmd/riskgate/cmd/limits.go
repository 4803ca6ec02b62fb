package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskgate/limits"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show the hard limits the engine would load",
	Args:  cobra.NoArgs,
	RunE:  runLimits,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
}

func runLimits(cmd *cobra.Command, args []string) error {
	hl, err := cfg.HardLimits()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetTitle("HARD LIMITS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Limit", "Value", "Unit", "Emergency"})
	for _, l := range limits.Describe(hl) {
		emergency := ""
		if l.Emergency {
			emergency = "yes"
		}
		t.AppendRow(table.Row{l.Name, fmt.Sprintf("%g", l.Value), l.Unit, emergency})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	t.Render()
	return nil
}
