package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-civitai-daemon/internal/config"
	"go-civitai-daemon/internal/manifest"
	"go-civitai-daemon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) models.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.SavePath = t.TempDir()
	cfg.DatabasePath = filepath.Join(cfg.SavePath, "completed.db")
	cfg.IndexPath = filepath.Join(cfg.SavePath, "history.bleve")
	cfg.MaxRetries = 2
	cfg.Daemon.RetryDelayMs = 1
	cfg.Daemon.PollTimeoutMs = 20
	cfg.Daemon.PausePollMs = 5
	cfg.Daemon.ProgressIntervalMs = 1
	return cfg
}

func fileServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestAppDrainDownloadsAndRecords(t *testing.T) {
	ts := fileServer(t, "model-bytes")
	cfg := testConfig(t)
	cfg.Torrent.Enabled = true
	cfg.Torrent.Trackers = []string{"udp://tracker.example:1337/announce"}

	a, err := newApp(cfg, nil, appOptions{})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("model-bytes"))
	job := models.NewJob(models.JobSpec{
		SourceURL:      ts.URL + "/file",
		Filename:       "detail.safetensors",
		Category:       "LORA",
		BaseModel:      "SDXL 1.0",
		ExpectedDigest: hex.EncodeToString(sum[:]),
		ModelID:        1,
		VersionID:      2,
	})
	failing := models.NewJob(models.JobSpec{
		SourceURL: ts.URL + "/missing",
		Filename:  "gone.bin",
		ModelID:   3,
		VersionID: 4,
	})
	require.True(t, a.daemon.Submit(job))
	require.True(t, a.daemon.Submit(failing))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.drain(ctx))
	a.close()

	data, err := os.ReadFile(filepath.Join(cfg.SavePath, "LORA", "detail.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(data))
	assert.FileExists(t, filepath.Join(cfg.SavePath, "LORA", "detail.safetensors.torrent"))
	assert.NoFileExists(t, filepath.Join(cfg.SavePath, "other", "gone.bin"))

	// Reopen everything to check what was persisted.
	b, err := newApp(cfg, nil, appOptions{})
	require.NoError(t, err)
	defer b.close()

	history, err := b.db.History(10)
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, r := range history {
		statuses[r.Filename] = r.Status
	}
	assert.Equal(t, models.StatusSuccess, statuses["detail.safetensors"])
	assert.Equal(t, models.StatusFailed, statuses["gone.bin"])

	errs, err := b.db.RecentErrors(10)
	require.NoError(t, err)
	assert.Len(t, errs, cfg.MaxRetries)

	hits, err := b.idx.Search("sdxl", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].VersionID)

	assert.False(t, b.daemon.Submit(models.NewJob(models.JobSpec{
		SourceURL: ts.URL + "/file", Filename: "detail.safetensors", ModelID: 1, VersionID: 2,
	})), "a completed version must be skipped")
}

func TestAppDrainWithNothingQueued(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Enabled = false
	a, err := newApp(cfg, nil, appOptions{})
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.drain(ctx))
	assert.False(t, a.daemon.CurrentState().Running)
	assert.Nil(t, a.idx)
}

func TestBatchManifestThroughApp(t *testing.T) {
	ts := fileServer(t, "x")
	cfg := testConfig(t)
	cfg.Index.Enabled = false

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- modelId: 1
  modelVersionId: 10
  url: `+ts.URL+`/a
  filename: a.bin
  model_type: Checkpoint
- modelId: 1
  url: `+ts.URL+`/b
`), 0600))

	parsed, err := manifest.Load(path)
	require.NoError(t, err)

	a, err := newApp(cfg, nil, appOptions{})
	require.NoError(t, err)
	defer a.close()

	res := manifest.Ingest(parsed, a.daemon, a.dispatcher)
	assert.Equal(t, manifest.Result{Queued: 1, Invalid: 1}, res)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.drain(ctx))
	assert.FileExists(t, filepath.Join(cfg.SavePath, "Checkpoint", "a.bin"))
}

func TestJobFromFlags(t *testing.T) {
	reset := func() {
		getURL, getFilename, getCategory, getBaseModel, getSHA256, getBLAKE3 = "", "", "", "", "", ""
		getModelID, getVersionID = 0, 0
	}
	t.Cleanup(reset)
	p := 1

	reset()
	_, _, err := jobFromFlags(&p)
	assert.ErrorIs(t, err, ErrMissingJobFields)

	reset()
	getVersionID = 42
	job, ok, err := jobFromFlags(&p)
	require.NoError(t, err)
	assert.False(t, ok, "version-only input must be resolved through the API")
	assert.Nil(t, job)

	reset()
	getURL = "http://x/f"
	_, _, err = jobFromFlags(&p)
	assert.ErrorContains(t, err, "--filename, --model-id, --version-id")

	reset()
	getURL, getFilename, getModelID, getVersionID, getBLAKE3 = "http://x/f", "f.bin", 1, 2, "ABCD"
	job, ok, err = jobFromFlags(&p)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.DigestBLAKE3, job.DigestAlgorithm)
	assert.Equal(t, "abcd", job.ExpectedDigest)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, models.DefaultCategory, job.Category)
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, writeDefaultConfig(path, false))
	assert.Error(t, writeDefaultConfig(path, false), "existing file must not be overwritten")
	require.NoError(t, writeDefaultConfig(path, true))

	cfg, _, err := config.Initialize(config.CliFlags{ConfigFilePath: &path})
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), cfg)
}
