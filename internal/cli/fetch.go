package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricefeed/internal/app"
	"pricefeed/internal/model"
)

var (
	fetchSource string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch each upstream once and print the parsed quotes",
	RunE: func(cmd *cobra.Command, args []string) error {
		source := model.Source(fetchSource)
		if fetchSource != "" && !source.Valid() {
			return fmt.Errorf("--source must be primary or fallback")
		}
		return getApp().FetchOnce(cmd.Context(), app.FetchOptions{Source: source})
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchSource, "source", "", "Only fetch this source (primary or fallback)")
}
