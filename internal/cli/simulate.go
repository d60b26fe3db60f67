package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateGroup string
	simulateLag   uint64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次延迟并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateGroup == "" {
			return errors.New("--group is required")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateGroup, simulateLag)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateGroup, "group", "", "分组名称")
	simulateCmd.Flags().Uint64Var(&simulateLag, "lag", 0, "模拟的延迟区块数")
}
