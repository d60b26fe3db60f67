package cli

import (
	"github.com/spf13/cobra"

	"subgraph-lag-monitor/internal/app"
)

var showGroup string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Summarise stored lag history per series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{Group: showGroup})
	},
}

func init() {
	showCmd.Flags().StringVar(&showGroup, "group", "", "Only show this group")
}
