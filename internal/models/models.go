package models

import "time"

// Terminal outcome statuses stored in the downloads table.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Digest algorithms understood by the verifier.
const (
	DigestSHA256 = "sha256"
	DigestBLAKE3 = "blake3"
)

type (
	// Config holds the application's configuration settings.
	Config struct {
		SavePath            string        `toml:"SavePath" json:"SavePath"`
		DatabasePath        string        `toml:"DatabasePath" json:"DatabasePath"`
		IndexPath           string        `toml:"IndexPath" json:"IndexPath"`
		LogLevel            string        `toml:"LogLevel" json:"LogLevel"`
		LogFormat           string        `toml:"LogFormat" json:"LogFormat"`
		APIKey              string        `toml:"ApiKey" json:"ApiKey"`
		Daemon              DaemonConfig  `toml:"Daemon" json:"Daemon"`
		Server              ServerConfig  `toml:"Server" json:"Server"`
		Webhook             WebhookConfig `toml:"Webhook" json:"Webhook"`
		Torrent             TorrentConfig `toml:"Torrent" json:"Torrent"`
		Index               IndexConfig   `toml:"Index" json:"Index"`
		APIClientTimeoutSec int           `toml:"ApiClientTimeoutSec" json:"ApiClientTimeoutSec"`
		MaxRetries          int           `toml:"MaxRetries" json:"MaxRetries"`
		LogApiRequests      bool          `toml:"LogApiRequests" json:"LogApiRequests"`
	}

	// DaemonConfig holds worker loop timings and queue defaults.
	DaemonConfig struct {
		RetryDelayMs       int `toml:"RetryDelayMs" json:"RetryDelayMs"`
		PollTimeoutMs      int `toml:"PollTimeoutMs" json:"PollTimeoutMs"`
		PausePollMs        int `toml:"PausePollMs" json:"PausePollMs"`
		ProgressIntervalMs int `toml:"ProgressIntervalMs" json:"ProgressIntervalMs"`
		// Workers is accepted for compatibility; jobs always run on a single worker.
		Workers         int `toml:"Workers" json:"Workers"`
		DefaultPriority int `toml:"DefaultPriority" json:"DefaultPriority"`
		EventBuffer     int `toml:"EventBuffer" json:"EventBuffer"`
	}

	// ServerConfig holds settings for the HTTP control plane.
	ServerConfig struct {
		Listen  string `toml:"Listen" json:"Listen"`
		Enabled bool   `toml:"Enabled" json:"Enabled"`
	}

	// WebhookConfig holds settings for outbound event notifications.
	WebhookConfig struct {
		URL        string `toml:"Url" json:"Url"`
		TimeoutSec int    `toml:"TimeoutSec" json:"TimeoutSec"`
	}

	// TorrentConfig holds settings for publishing .torrent files of completed downloads.
	TorrentConfig struct {
		OutputDir   string   `toml:"OutputDir" json:"OutputDir"`
		Trackers    []string `toml:"Trackers" json:"Trackers"`
		Enabled     bool     `toml:"Enabled" json:"Enabled"`
		Overwrite   bool     `toml:"Overwrite" json:"Overwrite"`
		MagnetLinks bool     `toml:"MagnetLinks" json:"MagnetLinks"`
	}

	// IndexConfig controls the search index over completed downloads.
	IndexConfig struct {
		Enabled bool `toml:"Enabled" json:"Enabled"`
	}

	// DownloadRecord is one row of the downloads table.
	DownloadRecord struct {
		Timestamp    time.Time `json:"timestamp"`
		Filename     string    `json:"filename"`
		ModelType    string    `json:"model_type"`
		Status       string    `json:"status"`
		Message      string    `json:"message,omitempty"`
		BaseModel    string    `json:"base_model,omitempty"`
		ModelID      int       `json:"model_id"`
		VersionID    int       `json:"model_version_id"`
		FileSize     int64     `json:"file_size"`
		DownloadTime float64   `json:"download_time"`
	}

	// ErrorRecord is one row of the errors table.
	ErrorRecord struct {
		Timestamp time.Time `json:"timestamp"`
		Filename  string    `json:"filename"`
		Error     string    `json:"error"`
		ModelID   int       `json:"model_id"`
	}
)
