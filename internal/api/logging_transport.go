package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	activeLoggingTransports []*LoggingTransport
	transportsMu            sync.Mutex
)

// LoggingTransport wraps an http.RoundTripper and appends a transcript of
// every exchange to a log file. Only JSON response bodies are captured, so
// model downloads passing through it are logged by headers alone.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	writer    *bufio.Writer
	mu        sync.Mutex
}

// NewLoggingTransport opens logFilePath for appending and registers the
// transport so CloseAllLoggingTransports can flush it on shutdown.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	path := filepath.Clean(logFilePath)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create API log directory for %s: %w", path, err)
	}
	// #nosec G304
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", path, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	lt := &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}

	transportsMu.Lock()
	activeLoggingTransports = append(activeLoggingTransports, lt)
	n := len(activeLoggingTransports)
	transportsMu.Unlock()
	log.Debugf("Registered LoggingTransport for %s (%d active)", path, n)

	return lt, nil
}

// RoundTrip performs the request and logs both sides of it.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	// Request bodies are small control payloads (webhooks); GETs have none.
	reqDump, err := httputil.DumpRequestOut(req, req.Method != http.MethodGet)
	if err != nil {
		log.WithError(err).Error("[LogTransport] Failed to dump request")
	} else {
		t.write(fmt.Sprintf("--- Request (%s) ---\n%s", start.Format(time.RFC3339), redactAuth(reqDump)))
	}

	resp, err := t.Transport.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		t.write(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", time.Now().Format(time.RFC3339), elapsed, err))
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	header, _ := httputil.DumpResponse(resp, false)
	if !strings.HasPrefix(contentType, "application/json") {
		t.write(fmt.Sprintf("--- Response Headers (%s, Duration: %v, Type: %s) ---\n%s(Body not logged)", time.Now().Format(time.RFC3339), elapsed, contentType, header))
		return resp, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		log.WithError(readErr).Error("[LogTransport] Failed to read response body for logging")
		t.write(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s(Body read failed)", time.Now().Format(time.RFC3339), elapsed, header))
		return resp, nil
	}
	t.write(fmt.Sprintf("--- Response (%s, Duration: %v) ---\n%s%s", time.Now().Format(time.RFC3339), elapsed, header, body))
	return resp, nil
}

func (t *LoggingTransport) write(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(entry + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		log.WithError(err).Error("[LogTransport] Failed to flush log writer")
	}
}

// redactAuth masks bearer tokens so API keys never reach the log file.
func redactAuth(dump []byte) string {
	lines := strings.Split(string(dump), "\r\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "authorization:") {
			lines[i] = "Authorization: Bearer [REDACTED]"
		}
	}
	return strings.Join(lines, "\r\n")
}

// Close flushes and closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports closes every transport created so far.
func CloseAllLoggingTransports() {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	for _, t := range activeLoggingTransports {
		if err := t.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing logging transport for %s: %v\n", t.logFile.Name(), err)
		}
	}
	log.Debugf("Closed %d logging transports", len(activeLoggingTransports))
	activeLoggingTransports = nil
}
