package cmd

import (
	"os/signal"
	"syscall"

	"go-civitai-daemon/internal/manifest"

	"github.com/spf13/cobra"
)

var batchQuiet bool

var batchCmd = &cobra.Command{
	Use:   "batch <manifest.json|manifest.yaml>",
	Short: "Download every job in a manifest and exit",
	Long: `Reads a JSON or YAML list of jobs (modelId, modelVersionId, url, filename,
sha256 or blake3, priority, model_type, baseModel), queues the valid ones and
processes the queue until it is empty. Invalid entries are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().BoolVarP(&batchQuiet, "quiet", "q", false, "Disable the live progress display")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parsed, err := manifest.Load(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(globalConfig, globalHttpTransport, appOptions{Console: !batchQuiet})
	if err != nil {
		return err
	}
	defer a.close()

	res := manifest.Ingest(parsed, a.daemon, a.dispatcher)
	if res.Queued == 0 {
		return nil
	}
	return a.drain(ctx)
}
