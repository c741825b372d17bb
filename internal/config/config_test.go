package config

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"go-civitai-daemon/internal/api"
)

func missingConfig(t *testing.T) *string {
	p := filepath.Join(t.TempDir(), "absent.toml")
	return &p
}

func writeConfig(t *testing.T, body string) *string {
	p := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &p
}

func TestConfigDefaults(t *testing.T) {
	cfg, transport, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t)})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	if transport != http.DefaultTransport {
		t.Errorf("Expected default transport without API logging, got %T", transport)
	}

	if cfg.SavePath != DefaultSavePath {
		t.Errorf("Expected save path %q, got %q", DefaultSavePath, cfg.SavePath)
	}
	if cfg.DatabasePath != filepath.Join(DefaultSavePath, DefaultDatabaseFile) {
		t.Errorf("Expected derived database path, got %q", cfg.DatabasePath)
	}
	if cfg.IndexPath != filepath.Join(DefaultSavePath, DefaultIndexDir) {
		t.Errorf("Expected derived index path, got %q", cfg.IndexPath)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("Expected max retries %d, got %d", DefaultMaxRetries, cfg.MaxRetries)
	}
	if cfg.Daemon.RetryDelayMs != DefaultDaemonRetryDelayMs || cfg.Daemon.PollTimeoutMs != DefaultDaemonPollTimeoutMs {
		t.Errorf("Unexpected daemon timings: %+v", cfg.Daemon)
	}
	if cfg.Daemon.DefaultPriority != 2 {
		t.Errorf("Expected default priority 2, got %d", cfg.Daemon.DefaultPriority)
	}
	if !cfg.Server.Enabled || cfg.Server.Listen != DefaultServerListen {
		t.Errorf("Unexpected server config: %+v", cfg.Server)
	}
	if cfg.Webhook.TimeoutSec != DefaultWebhookTimeoutSec {
		t.Errorf("Expected webhook timeout %d, got %d", DefaultWebhookTimeoutSec, cfg.Webhook.TimeoutSec)
	}
	if len(cfg.Torrent.Trackers) != 2 {
		t.Errorf("Expected 2 default trackers, got %v", cfg.Torrent.Trackers)
	}
	if !cfg.Index.Enabled {
		t.Error("Expected index to be enabled by default")
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
SavePath = "/srv/models"
MaxRetries = 2

[Daemon]
RetryDelayMs = 10

[Webhook]
Url = "http://hooks.local/events"

[Torrent]
Enabled = true
Trackers = ["udp://tracker.example:1337/announce"]
`)
	cfg, _, err := Initialize(CliFlags{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.SavePath != "/srv/models" || cfg.MaxRetries != 2 {
		t.Errorf("File values not applied: save=%q retries=%d", cfg.SavePath, cfg.MaxRetries)
	}
	if cfg.DatabasePath != filepath.Join("/srv/models", DefaultDatabaseFile) {
		t.Errorf("Database path not derived from file SavePath: %q", cfg.DatabasePath)
	}
	if cfg.Daemon.RetryDelayMs != 10 || cfg.Daemon.PausePollMs != DefaultDaemonPausePollMs {
		t.Errorf("Expected file value merged with defaults, got %+v", cfg.Daemon)
	}
	if cfg.Webhook.URL != "http://hooks.local/events" {
		t.Errorf("Webhook URL not read: %q", cfg.Webhook.URL)
	}
	if !cfg.Torrent.Enabled || len(cfg.Torrent.Trackers) != 1 {
		t.Errorf("Torrent settings not read: %+v", cfg.Torrent)
	}
}

func TestFlagOverrides(t *testing.T) {
	path := writeConfig(t, "SavePath = \"/from/file\"\nMaxRetries = 2\n")
	save := t.TempDir()
	retries := 7
	listen := "0.0.0.0:9000"
	noIndex := true
	disabled := true
	flags := CliFlags{
		ConfigFilePath: path,
		SavePath:       &save,
		MaxRetries:     &retries,
		Server:         &CliServerFlags{Listen: &listen, Disabled: &disabled},
		NoIndex:        &noIndex,
	}

	cfg, _, err := Initialize(flags)
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	if cfg.SavePath != save {
		t.Errorf("Expected save path from flag %q, got %q", save, cfg.SavePath)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("Expected max retries 7 (from flags), got %d", cfg.MaxRetries)
	}
	if cfg.Server.Listen != listen || cfg.Server.Enabled {
		t.Errorf("Server flags not applied: %+v", cfg.Server)
	}
	if cfg.Index.Enabled {
		t.Error("Expected --no-index to disable the index")
	}
	if cfg.DatabasePath != filepath.Join(save, DefaultDatabaseFile) {
		t.Errorf("Database path should follow the flag SavePath, got %q", cfg.DatabasePath)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("CIVITAI_MAXRETRIES", "9")
	t.Setenv("CIVITAI_SERVER_LISTEN", "127.0.0.1:1")

	cfg, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t)})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	if cfg.MaxRetries != 9 {
		t.Errorf("Expected max retries 9 from environment, got %d", cfg.MaxRetries)
	}
	if cfg.Server.Listen != "127.0.0.1:1" {
		t.Errorf("Expected listen from environment, got %q", cfg.Server.Listen)
	}
}

func TestValidation(t *testing.T) {
	empty := ""
	if _, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), SavePath: &empty}); !errors.Is(err, ErrConfigurationMissing) {
		t.Errorf("Expected ErrConfigurationMissing for empty save path, got %v", err)
	}

	format := "xml"
	if _, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), LogFormat: &format}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for bad log format, got %v", err)
	}

	zero := 0
	if _, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), MaxRetries: &zero}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for zero retries, got %v", err)
	}

	workers := 4
	if _, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), Daemon: &CliDaemonFlags{Workers: &workers}}); err != nil {
		t.Errorf("Workers > 1 should only warn, got %v", err)
	}
}

func TestHTTPTransportCreation(t *testing.T) {
	save := t.TempDir()
	on := true
	_, transport, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), SavePath: &save, LogApiRequests: &on})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	defer api.CloseAllLoggingTransports()

	if _, ok := transport.(*api.LoggingTransport); !ok {
		t.Fatalf("Expected *api.LoggingTransport, got %T", transport)
	}
	if _, err := os.Stat(filepath.Join(save, DefaultAPILogFile)); err != nil {
		t.Errorf("Expected api log file to be created: %v", err)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.APIKey = "secret"
	if got := Redacted(cfg).APIKey; got != "[REDACTED]" {
		t.Errorf("Expected redacted key, got %q", got)
	}
	if cfg.APIKey != "secret" {
		t.Error("Redacted must not modify its argument")
	}
}
