package cmd

import (
	"go-civitai-daemon/internal/database"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print download statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(globalConfig.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		m, err := db.Metrics()
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
}
