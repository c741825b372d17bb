package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"go-civitai-daemon/internal/api"
	"go-civitai-daemon/internal/config"
	"go-civitai-daemon/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	savePath    string
	dbPath      string
	apiKeyFlag  string
	logApiFlag  bool
	maxRetries  int
	apiTimeout  int
	noIndexFlag bool
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is the base transport, wrapped for request logging when enabled
var globalHttpTransport http.RoundTripper = http.DefaultTransport

var rootCmd = &cobra.Command{
	Use:   "civitai-daemon",
	Short: "A download daemon for Civitai models",
	Long: `civitai-daemon keeps a prioritised queue of model downloads, fetches them
one at a time with retries and checksum verification, and records every
outcome in a local SQLite database.`,
	PersistentPreRunE: loadGlobalConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { api.CloseAllLoggingTransports() },
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", config.DefaultConfigFilePath, "Configuration file path")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Logging format (text, json)")
	pf.StringVar(&savePath, "save-path", "", "Download root directory (overrides config)")
	pf.StringVar(&dbPath, "db-path", "", "SQLite database path (default <save-path>/completed.db)")
	pf.StringVar(&apiKeyFlag, "api-key", "", "Civitai API key (overrides config and CIVITAI_APIKEY)")
	pf.BoolVar(&logApiFlag, "log-api", false, "Log HTTP requests/responses to <save-path>/api.log")
	pf.IntVar(&maxRetries, "max-retries", config.DefaultMaxRetries, "Attempts per job before it is marked failed")
	pf.IntVar(&apiTimeout, "api-timeout", config.DefaultAPIClientTimeoutSec, "Timeout for Civitai API calls in seconds")
	pf.BoolVar(&noIndexFlag, "no-index", false, "Disable the search index")
}

// cliFlags maps the flags the user actually set onto config overrides.
func cliFlags(cmd *cobra.Command) config.CliFlags {
	f := cmd.Flags()
	flags := config.CliFlags{ConfigFilePath: &cfgFile}
	if f.Changed("log-level") {
		flags.LogLevel = &logLevel
	}
	if f.Changed("log-format") {
		flags.LogFormat = &logFormat
	}
	if f.Changed("save-path") {
		flags.SavePath = &savePath
	}
	if f.Changed("db-path") {
		flags.DatabasePath = &dbPath
	}
	if f.Changed("api-key") {
		flags.APIKey = &apiKeyFlag
	}
	if f.Changed("log-api") {
		flags.LogApiRequests = &logApiFlag
	}
	if f.Changed("max-retries") {
		flags.MaxRetries = &maxRetries
	}
	if f.Changed("api-timeout") {
		flags.APIClientTimeoutSec = &apiTimeout
	}
	if f.Changed("no-index") {
		flags.NoIndex = &noIndexFlag
	}
	if hook, ok := commandFlagHooks[cmd.Name()]; ok {
		hook(cmd, &flags)
	}
	return flags
}

// commandFlagHooks lets subcommands contribute their own overrides.
var commandFlagHooks = map[string]func(*cobra.Command, *config.CliFlags){}

func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	// Apply the flag log level first so config loading itself can be debugged.
	initLogging(logLevel, logFormat)

	cfg, transport, err := config.Initialize(cliFlags(cmd))
	if err != nil {
		return err
	}
	globalConfig = cfg
	globalHttpTransport = transport
	initLogging(cfg.LogLevel, cfg.LogFormat)
	return nil
}

func initLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
