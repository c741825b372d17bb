package cmd

import (
	"go-civitai-daemon/internal/config"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugShowConfigCmd)
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debugging utilities (not for general use)",
}

var debugShowConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the fully loaded configuration object as JSON",
	Long: `Loads configuration via flags, environment and config file (respecting
precedence) and prints the result with the API key redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(config.Redacted(globalConfig))
	},
}
