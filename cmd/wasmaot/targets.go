package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-aot/target"
)

func newTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the supported target matrix",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, hostErr := target.Host()
			rows := targetRows(target.Matrix(), host, hostErr == nil)
			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(helpStyle).
				Headers("TRIPLE", "FORMAT", "CALLCONV", "OBJECT", "HOST").
				Rows(rows...).
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return headingStyle.Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				})
			_, err := fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return err
		},
	}
}

func targetRows(matrix []target.Target, host target.Target, haveHost bool) [][]string {
	rows := make([][]string, 0, len(matrix))
	for _, t := range matrix {
		mark := ""
		if haveHost && t.Arch == host.Arch && t.OS == host.OS && t.Format == host.Format {
			mark = "*"
		}
		rows = append(rows, []string{t.Triple(), t.Format.String(), t.CallConv().String(), t.ObjectExt(), mark})
	}
	return rows
}
