package cli

import (
	"github.com/spf13/cobra"

	"pricefeed/internal/model"
)

var (
	simulateFrom string
	simulateTo   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-failover",
	Short: "发送一次模拟的数据源切换通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateFailover(cmd.Context(), model.Source(simulateFrom), model.Source(simulateTo))
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateFrom, "from", string(model.SourcePrimary), "切换前的数据源")
	simulateCmd.Flags().StringVar(&simulateTo, "to", string(model.SourceFallback), "切换后的数据源")
}
