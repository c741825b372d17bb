package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go-civitai-daemon/internal/models"
)

const versionBody = `{
  "id": 456,
  "modelId": 123,
  "name": "v1.0",
  "baseModel": "SDXL 1.0",
  "downloadUrl": "https://civitai.com/api/download/models/456",
  "model": {"name": "Detail Tweaker", "type": "LORA"},
  "files": [
    {"id": 1, "name": "extra.yaml", "type": "Config", "downloadUrl": "https://example.test/extra"},
    {"id": 2, "name": "detail.safetensors", "type": "Model", "primary": true,
     "downloadUrl": "https://example.test/detail", "hashes": {"SHA256": "ABCDEF", "BLAKE3": "0123"}}
  ]
}`

func testClient(url string) *Client {
	c := NewClient("test-key", &http.Client{Timeout: 5 * time.Second}, url)
	c.Backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestNewClient(t *testing.T) {
	client := NewClient("test-api-key", nil, "")

	if client.ApiKey != "test-api-key" {
		t.Errorf("Expected API key test-api-key, got %s", client.ApiKey)
	}
	if client.HttpClient == nil || client.HttpClient.Timeout != 30*time.Second {
		t.Errorf("Expected default HTTP client with 30s timeout, got %+v", client.HttpClient)
	}
	if client.BaseURL != CivitaiApiBaseUrl {
		t.Errorf("Expected base URL %s, got %s", CivitaiApiBaseUrl, client.BaseURL)
	}
}

func TestGetModelVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model-versions/456" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(versionBody))
	}))
	defer server.Close()

	v, err := testClient(server.URL).GetModelVersion(context.Background(), 456)
	if err != nil {
		t.Fatalf("GetModelVersion: %v", err)
	}
	if v.ModelId != 123 || v.Model.Type != "LORA" || len(v.Files) != 2 {
		t.Errorf("unexpected version: %+v", v)
	}
}

func TestResolveJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(versionBody))
	}))
	defer server.Close()

	job, err := testClient(server.URL).ResolveJob(context.Background(), 456, models.IntPtr(0))
	if err != nil {
		t.Fatalf("ResolveJob: %v", err)
	}
	if job.Filename != "detail.safetensors" || job.SourceURL != "https://example.test/detail" {
		t.Errorf("primary file not selected: %+v", job)
	}
	if job.ExpectedDigest != "abcdef" || job.DigestAlgorithm != models.DigestSHA256 {
		t.Errorf("expected lowercased sha256 digest, got %s/%s", job.ExpectedDigest, job.DigestAlgorithm)
	}
	if job.Category != "LORA" || job.BaseModel != "SDXL 1.0" || job.Priority != 0 {
		t.Errorf("unexpected job fields: %+v", job)
	}
	if job.ModelID != 123 || job.VersionID != 456 {
		t.Errorf("unexpected ids: %d/%d", job.ModelID, job.VersionID)
	}
}

func TestResolveJob_NoFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 9, "modelId": 1, "files": []}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).ResolveJob(context.Background(), 9, nil)
	if !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
}

func TestGetModelVersion_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(versionBody))
	}))
	defer server.Close()

	if _, err := testClient(server.URL).GetModelVersion(context.Background(), 456); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestGetModelVersion_RateLimitExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := testClient(server.URL).GetModelVersion(context.Background(), 1)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if attempts.Load() != defaultAttempts {
		t.Errorf("expected %d attempts, got %d", defaultAttempts, attempts.Load())
	}
}

func TestGetModelVersion_TerminalStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tc := range cases {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(tc.status)
		}))

		_, err := testClient(server.URL).GetModelVersion(context.Background(), 1)
		server.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		if attempts.Load() != 1 {
			t.Errorf("status %d: expected no retries, got %d attempts", tc.status, attempts.Load())
		}
	}
}

func TestGetModelVersion_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := testClient(server.URL)
	c.Backoff = func(int) time.Duration { return time.Hour }
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.GetModelVersion(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

const modelsPageBody = `{
  "items": [{"id": 123, "name": "Detail Tweaker", "type": "LORA", "tags": ["detail"],
             "modelVersions": [{"id": 456, "modelId": 123, "baseModel": "SDXL 1.0"}]}],
  "metadata": {"nextCursor": "next-abc", "pageSize": 1}
}`

func TestSearchModels_PassesQueryThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("cursor") != "abc" || q.Get("query") != "detail" || len(q["types"]) != 2 {
			t.Errorf("query not forwarded: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("User-Agent = %q, want %q", got, DefaultUserAgent)
		}
		w.Write([]byte(modelsPageBody))
	}))
	defer server.Close()

	values := url.Values{"cursor": {"abc"}, "query": {"detail"}, "types": {"LORA", "Checkpoint"}}
	body, err := testClient(server.URL).SearchModels(context.Background(), values)
	if err != nil {
		t.Fatalf("SearchModels() error = %v", err)
	}
	if !strings.Contains(string(body), `"nextCursor": "next-abc"`) {
		t.Errorf("body not returned verbatim: %s", body)
	}
}

func TestSearchModels_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer server.Close()

	if _, err := testClient(server.URL).SearchModels(context.Background(), nil); err == nil {
		t.Fatal("expected an error for a non-JSON body")
	}
}

func TestGetModels(t *testing.T) {
	var rawQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		w.Write([]byte(modelsPageBody))
	}))
	defer server.Close()

	nsfw := false
	cursor, page, err := testClient(server.URL).GetModels(context.Background(), models.QueryParameters{
		Query:      "detail",
		Types:      []string{"LORA"},
		BaseModels: []string{"SDXL 1.0"},
		Nsfw:       &nsfw,
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("GetModels() error = %v", err)
	}
	if cursor != "next-abc" {
		t.Errorf("cursor = %q, want next-abc", cursor)
	}
	if len(page.Items) != 1 || page.Items[0].ID != 123 || len(page.Items[0].ModelVersions) != 1 {
		t.Errorf("unexpected page %+v", page)
	}

	q, _ := url.ParseQuery(rawQuery)
	if q.Get("nsfw") != "false" || q.Get("limit") != "10" || q.Get("baseModels") != "SDXL 1.0" {
		t.Errorf("unexpected query %s", rawQuery)
	}
	if q.Has("cursor") || q.Has("sort") {
		t.Errorf("empty parameters should be omitted: %s", rawQuery)
	}
}

func TestLoggingTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(versionBody))
	}))
	defer server.Close()

	logPath := filepath.Join(t.TempDir(), "logs", "api.log")
	lt, err := NewLoggingTransport(nil, logPath)
	if err != nil {
		t.Fatalf("NewLoggingTransport: %v", err)
	}

	c := testClient(server.URL)
	c.HttpClient.Transport = lt
	if _, err := c.GetModelVersion(context.Background(), 456); err != nil {
		t.Fatalf("GetModelVersion through logging transport: %v", err)
	}
	CloseAllLoggingTransports()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	logged := string(data)
	if !strings.Contains(logged, "GET /model-versions/456") {
		t.Errorf("request not logged:\n%s", logged)
	}
	if !strings.Contains(logged, "detail.safetensors") {
		t.Errorf("JSON body not logged:\n%s", logged)
	}
	if strings.Contains(logged, "test-key") {
		t.Errorf("API key leaked into log:\n%s", logged)
	}
}
