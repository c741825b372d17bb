package config

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"go-civitai-daemon/internal/api"
	"go-civitai-daemon/internal/helpers"
	"go-civitai-daemon/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultSavePath            = "downloads"
	DefaultDatabaseFile        = "completed.db"  // Relative to SavePath
	DefaultIndexDir            = "history.bleve" // Relative to SavePath
	DefaultAPILogFile          = "api.log"
	DefaultLogApiRequests      = false
	DefaultAPIClientTimeoutSec = 60
	DefaultMaxRetries          = 5
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfigFilePath      = "config.toml"

	// Daemon specific defaults
	DefaultDaemonRetryDelayMs       = 2000
	DefaultDaemonPollTimeoutMs      = 1000
	DefaultDaemonPausePollMs        = 500
	DefaultDaemonProgressIntervalMs = 200
	DefaultDaemonWorkers            = 1
	DefaultDaemonDefaultPriority    = models.DefaultPriority
	DefaultDaemonEventBuffer        = 256

	// Server specific defaults
	DefaultServerEnabled = true
	DefaultServerListen  = "127.0.0.1:8787"

	// Webhook specific defaults
	DefaultWebhookTimeoutSec = 5

	// Torrent specific defaults
	DefaultTorrentEnabled     = false
	DefaultTorrentTrackers    = "udp://tracker.openbittorrent.com:80,udp://tracker.opentrackr.org:1337/announce"
	DefaultTorrentOverwrite   = false
	DefaultTorrentMagnetLinks = false

	// Index specific defaults
	DefaultIndexEnabled = true
)

var (
	ErrConfigurationMissing = errors.New("required configuration missing")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

var (
	validLogFormats = []string{"text", "json"}
	validLogLevels  = []string{"panic", "fatal", "error", "warn", "warning", "info", "debug", "trace"}
)

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("apikey", "")
	v.SetDefault("savepath", DefaultSavePath)
	v.SetDefault("databasepath", "") // Derived from SavePath when empty
	v.SetDefault("indexpath", "")    // Derived from SavePath when empty
	v.SetDefault("logapirequests", DefaultLogApiRequests)
	v.SetDefault("apiclienttimeoutsec", DefaultAPIClientTimeoutSec)
	v.SetDefault("maxretries", DefaultMaxRetries)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)

	v.SetDefault("daemon.retrydelayms", DefaultDaemonRetryDelayMs)
	v.SetDefault("daemon.polltimeoutms", DefaultDaemonPollTimeoutMs)
	v.SetDefault("daemon.pausepollms", DefaultDaemonPausePollMs)
	v.SetDefault("daemon.progressintervalms", DefaultDaemonProgressIntervalMs)
	v.SetDefault("daemon.workers", DefaultDaemonWorkers)
	v.SetDefault("daemon.defaultpriority", DefaultDaemonDefaultPriority)
	v.SetDefault("daemon.eventbuffer", DefaultDaemonEventBuffer)

	v.SetDefault("server.enabled", DefaultServerEnabled)
	v.SetDefault("server.listen", DefaultServerListen)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeoutsec", DefaultWebhookTimeoutSec)

	v.SetDefault("torrent.enabled", DefaultTorrentEnabled)
	v.SetDefault("torrent.outputdir", "")
	v.SetDefault("torrent.trackers", strings.Split(DefaultTorrentTrackers, ","))
	v.SetDefault("torrent.overwrite", DefaultTorrentOverwrite)
	v.SetDefault("torrent.magnetlinks", DefaultTorrentMagnetLinks)

	v.SetDefault("index.enabled", DefaultIndexEnabled)
}

// Defaults returns the configuration used when no file or flags are given.
func Defaults() models.Config {
	v := viper.New()
	setViperDefaults(v)
	var cfg models.Config
	_ = v.Unmarshal(&cfg)
	derivePaths(&cfg)
	return cfg
}

// CliFlags holds pointers to flag values. A nil pointer means the flag was
// not set and the file/default value stands.
type CliFlags struct {
	ConfigFilePath      *string
	SavePath            *string
	DatabasePath        *string
	APIKey              *string
	LogLevel            *string
	LogFormat           *string
	LogApiRequests      *bool
	APIClientTimeoutSec *int
	MaxRetries          *int
	Daemon              *CliDaemonFlags
	Server              *CliServerFlags
	Webhook             *CliWebhookFlags
	Torrent             *CliTorrentFlags
	NoIndex             *bool
}

// CliDaemonFlags holds flags for the worker loop.
type CliDaemonFlags struct {
	RetryDelayMs *int
	Workers      *int
	Priority     *int
}

// CliServerFlags holds flags for the control plane.
type CliServerFlags struct {
	Listen   *string
	Disabled *bool
}

// CliWebhookFlags holds flags for event notifications.
type CliWebhookFlags struct {
	URL *string
}

// CliTorrentFlags holds flags for torrent publishing.
type CliTorrentFlags struct {
	Enabled     *bool
	OutputDir   *string
	Trackers    *[]string
	Overwrite   *bool
	MagnetLinks *bool
}

// Initialize loads configuration based on defaults, config file, and flags.
// Precedence: Flags > Environment > Config File > Defaults.
func Initialize(flags CliFlags) (models.Config, http.RoundTripper, error) {
	v := viper.New()
	v.SetEnvPrefix("CIVITAI")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setViperDefaults(v)

	configPath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil && *flags.ConfigFilePath != "" {
		configPath = *flags.ConfigFilePath
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		log.Debugf("[Initialize] Config file '%s' not read (%v). Using defaults, environment and CLI flags only.", configPath, err)
	} else {
		log.Infof("[Initialize] Successfully read config file: %s", v.ConfigFileUsed())
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}

	applyFlags(&cfg, flags)
	derivePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return models.Config{}, nil, err
	}

	transport := http.DefaultTransport
	if cfg.LogApiRequests {
		logFile := filepath.Join(cfg.SavePath, DefaultAPILogFile)
		lt, err := api.NewLoggingTransport(transport, logFile)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			log.Infof("API logging to file: %s", logFile)
			transport = lt
		}
	}

	log.Debugf("[Initialize] Final config: %+v", Redacted(cfg))
	return cfg, transport, nil
}

func applyFlags(cfg *models.Config, flags CliFlags) {
	setString(&cfg.SavePath, flags.SavePath)
	setString(&cfg.DatabasePath, flags.DatabasePath)
	setString(&cfg.APIKey, flags.APIKey)
	setString(&cfg.LogLevel, flags.LogLevel)
	setString(&cfg.LogFormat, flags.LogFormat)
	setBool(&cfg.LogApiRequests, flags.LogApiRequests)
	setInt(&cfg.APIClientTimeoutSec, flags.APIClientTimeoutSec)
	setInt(&cfg.MaxRetries, flags.MaxRetries)

	if d := flags.Daemon; d != nil {
		setInt(&cfg.Daemon.RetryDelayMs, d.RetryDelayMs)
		setInt(&cfg.Daemon.Workers, d.Workers)
		setInt(&cfg.Daemon.DefaultPriority, d.Priority)
	}
	if s := flags.Server; s != nil {
		setString(&cfg.Server.Listen, s.Listen)
		if s.Disabled != nil && *s.Disabled {
			cfg.Server.Enabled = false
		}
	}
	if w := flags.Webhook; w != nil {
		setString(&cfg.Webhook.URL, w.URL)
	}
	if t := flags.Torrent; t != nil {
		setBool(&cfg.Torrent.Enabled, t.Enabled)
		setString(&cfg.Torrent.OutputDir, t.OutputDir)
		setBool(&cfg.Torrent.Overwrite, t.Overwrite)
		setBool(&cfg.Torrent.MagnetLinks, t.MagnetLinks)
		if t.Trackers != nil && len(*t.Trackers) > 0 {
			cfg.Torrent.Trackers = *t.Trackers
		}
	}
	if flags.NoIndex != nil && *flags.NoIndex {
		cfg.Index.Enabled = false
	}
}

// derivePaths fills the store locations from SavePath when they are unset.
func derivePaths(cfg *models.Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.SavePath, DefaultDatabaseFile)
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.SavePath, DefaultIndexDir)
	}
}

func validate(cfg *models.Config) error {
	if strings.TrimSpace(cfg.SavePath) == "" {
		return fmt.Errorf("%w: SavePath cannot be empty (set via --save-path flag or SavePath in config)", ErrConfigurationMissing)
	}
	if !helpers.StringSliceContains(validLogFormats, cfg.LogFormat) {
		return fmt.Errorf("%w: log format %q (expected one of %s)", ErrInvalidConfiguration, cfg.LogFormat, strings.Join(validLogFormats, ", "))
	}
	if !helpers.StringSliceContains(validLogLevels, cfg.LogLevel) {
		return fmt.Errorf("%w: log level %q", ErrInvalidConfiguration, cfg.LogLevel)
	}
	if cfg.MaxRetries < 1 {
		return fmt.Errorf("%w: MaxRetries must be at least 1, got %d", ErrInvalidConfiguration, cfg.MaxRetries)
	}
	if cfg.Daemon.Workers > 1 {
		log.Warnf("Daemon.Workers=%d requested; jobs are processed by a single worker.", cfg.Daemon.Workers)
	}
	return nil
}

// Redacted returns a copy of cfg safe to print.
func Redacted(cfg models.Config) models.Config {
	if cfg.APIKey != "" {
		cfg.APIKey = "[REDACTED]"
	}
	return cfg
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
