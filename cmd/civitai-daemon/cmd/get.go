package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"go-civitai-daemon/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var ErrMissingJobFields = errors.New("missing required job fields")

var (
	getURL       string
	getFilename  string
	getModelID   int
	getVersionID int
	getCategory  string
	getBaseModel string
	getSHA256    string
	getBLAKE3    string
	getPriority  int
	getQuiet     bool
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Download a single model file and exit",
	Long: `Queues one job and processes it. With only --version-id the file URL,
name, type and hash are resolved through the Civitai API.`,
	Example: `  civitai-daemon get --version-id 128713
  civitai-daemon get --model-id 1 --version-id 2 --url https://civitai.com/api/download/models/2 \
      --filename detail.safetensors --category LORA --sha256 <hex>`,
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
	f := getCmd.Flags()
	f.StringVar(&getURL, "url", "", "Source URL")
	f.StringVar(&getFilename, "filename", "", "Destination file name")
	f.IntVar(&getModelID, "model-id", 0, "Civitai model ID")
	f.IntVar(&getVersionID, "version-id", 0, "Civitai model version ID")
	f.StringVar(&getCategory, "category", "", "Model type, used as the target subdirectory")
	f.StringVar(&getBaseModel, "base-model", "", "Base model tag")
	f.StringVar(&getSHA256, "sha256", "", "Expected SHA256 digest")
	f.StringVar(&getBLAKE3, "blake3", "", "Expected BLAKE3 digest")
	f.IntVar(&getPriority, "priority", models.DefaultPriority, "Job priority (lower runs first)")
	f.BoolVarP(&getQuiet, "quiet", "q", false, "Disable the live progress display")
}

// jobFromFlags builds the job described by the get flags, or returns
// ok == false when it must be resolved from the version ID.
func jobFromFlags(priority *int) (*models.Job, bool, error) {
	if getURL == "" && getFilename == "" {
		if getVersionID == 0 {
			return nil, false, fmt.Errorf("%w: --url and --filename, or --version-id", ErrMissingJobFields)
		}
		return nil, false, nil
	}

	var missing []string
	if getURL == "" {
		missing = append(missing, "--url")
	}
	if getFilename == "" {
		missing = append(missing, "--filename")
	}
	if getModelID == 0 {
		missing = append(missing, "--model-id")
	}
	if getVersionID == 0 {
		missing = append(missing, "--version-id")
	}
	if len(missing) > 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrMissingJobFields, strings.Join(missing, ", "))
	}

	spec := models.JobSpec{
		Priority:  priority,
		SourceURL: getURL,
		Filename:  getFilename,
		Category:  getCategory,
		BaseModel: getBaseModel,
		ModelID:   getModelID,
		VersionID: getVersionID,
	}
	switch {
	case getSHA256 != "":
		spec.ExpectedDigest, spec.DigestAlgorithm = getSHA256, models.DigestSHA256
	case getBLAKE3 != "":
		spec.ExpectedDigest, spec.DigestAlgorithm = getBLAKE3, models.DigestBLAKE3
	}
	return models.NewJob(spec), true, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	priority := globalConfig.Daemon.DefaultPriority
	if cmd.Flags().Changed("priority") {
		priority = getPriority
	}

	job, ok, err := jobFromFlags(&priority)
	if err != nil {
		return err
	}

	a, err := newApp(globalConfig, globalHttpTransport, appOptions{Console: !getQuiet})
	if err != nil {
		return err
	}
	defer a.close()

	if !ok {
		job, err = a.apiClient().ResolveJob(ctx, getVersionID, &priority)
		if err != nil {
			return fmt.Errorf("resolving version %d: %w", getVersionID, err)
		}
	}

	if !a.daemon.Submit(job) {
		log.Infof("%s is already downloaded", job.Filename)
		return nil
	}
	return a.drain(ctx)
}
