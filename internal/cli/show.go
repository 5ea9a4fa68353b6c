package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricefeed/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the last published prices with daily extrema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display failover settings and source connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 0, "Number of instruments to display (0 for all)")
}
