package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/helpers"
	"go-civitai-daemon/internal/models"
	"go-civitai-daemon/internal/paths"
	"go-civitai-daemon/internal/progress"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrTransport   = errors.New("transport error")
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers mkdir, create, remove, write
	ErrHttpRequest = errors.New("HTTP request creation error")
	ErrCancelled   = errors.New("download cancelled")
	ErrIdleTimeout = errors.New("no data received within read timeout")
)

const (
	DefaultUserAgent   = "CivitaiDaemon/1.0 (Go)"
	DefaultReadTimeout = 60 * time.Second
	DefaultChunkSize   = 32 * 1024
	maxErrorBodyBytes  = 4096
	maxRedirects       = 10
)

// Controls exposes the daemon's pause and cancel flags to an in-flight fetch.
// Either function may be nil.
type Controls struct {
	Paused    func() bool
	Cancelled func() bool
}

func (c Controls) paused() bool    { return c.Paused != nil && c.Paused() }
func (c Controls) cancelled() bool { return c.Cancelled != nil && c.Cancelled() }

// Options tunes a Downloader. Zero values fall back to the package defaults.
type Options struct {
	Root             string
	UserAgent        string
	ReadTimeout      time.Duration
	ProgressInterval time.Duration
	PausePoll        time.Duration
	ChunkSize        int
}

// Result is the outcome of one fetch attempt. Err explains a failure for
// logging; it never needs to be returned further.
type Result struct {
	Err       error
	Path      string
	Bytes     int64
	OK        bool
	Cancelled bool
}

// Downloader streams job files to disk with pause, cancel and throttled progress.
type Downloader struct {
	client *http.Client
	sink   events.Sink
	apiKey string
	opts   Options
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, apiKey string, sink events.Sink, opts Options) *Downloader {
	if client == nil {
		// No overall timeout: large files are bounded by the idle read timeout instead.
		client = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = progress.DefaultInterval
	}
	if opts.PausePoll <= 0 {
		opts.PausePoll = 200 * time.Millisecond
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Downloader{
		client: client,
		sink:   sink,
		apiKey: apiKey,
		opts:   opts,
	}
}

// Root returns the download root directory.
func (d *Downloader) Root() string {
	return d.opts.Root
}

// createHTTPRequest creates and configures an HTTP request for downloading
func (d *Downloader) createHTTPRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, url, err)
	}

	req.Header.Set("User-Agent", d.opts.UserAgent)
	if d.apiKey != "" {
		log.Debug("Adding Authorization header to download request.")
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	return req, nil
}

// clientWithRedirectLog returns a copy of the client that records every redirect hop.
func (d *Downloader) clientWithRedirectLog(chain *[]string) *http.Client {
	c := *d.client
	c.Timeout = 0
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.Response != nil {
			*chain = append(*chain, fmt.Sprintf("%d -> %s", req.Response.StatusCode, req.URL.String()))
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &c
}

// idleWatchdog cancels a request when no data arrives for the read timeout.
type idleWatchdog struct {
	timer   *time.Timer
	mu      sync.Mutex
	expired bool
}

func newIdleWatchdog(timeout time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.expired = true
		w.mu.Unlock()
		cancel()
	})
	return w
}

func (w *idleWatchdog) reset(timeout time.Duration) { w.timer.Reset(timeout) }
func (w *idleWatchdog) stop()                       { w.timer.Stop() }

func (w *idleWatchdog) fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

// Fetch runs one download attempt for job. It never panics or returns an
// error to the caller: every failure is folded into a Result with OK == false.
// A cancelled attempt publishes download_cancelled and removes the partial file.
func (d *Downloader) Fetch(ctx context.Context, job *models.Job, ctl Controls) (res Result) {
	target := events.Target{ModelID: job.ModelID, VersionID: job.VersionID, Filename: job.Filename}

	dest, err := paths.Destination(d.opts.Root, job)
	if err != nil {
		res.Err = err
		return res
	}
	res.Path = dest

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic during download of %s: %v", job.SourceURL, r)
			res.OK = false
			res.Err = fmt.Errorf("%w: panic: %v", ErrTransport, r)
		}
	}()

	targetDir := filepath.Dir(dest)
	if !helpers.CheckAndMakeDir(targetDir) {
		res.Err = fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
		return res
	}

	// Attempts always start from zero bytes.
	if err := os.Remove(dest); err == nil {
		log.Debugf("Removed stale file before download: %s", dest)
	} else if !os.IsNotExist(err) {
		log.WithError(err).Warnf("Could not remove stale file %s", dest)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := newIdleWatchdog(d.opts.ReadTimeout, cancel)
	defer watchdog.stop()

	req, err := d.createHTTPRequest(reqCtx, job.SourceURL)
	if err != nil {
		res.Err = err
		return res
	}

	var redirects []string
	log.Infof("Attempting to download from URL: %s", job.SourceURL)
	resp, err := d.clientWithRedirectLog(&redirects).Do(req)
	if err != nil {
		if watchdog.fired() {
			err = fmt.Errorf("%w: %w", ErrIdleTimeout, err)
		}
		log.WithError(err).Errorf("Error performing download request from %s", job.SourceURL)
		res.Err = fmt.Errorf("%w: performing request for %s: %w", ErrTransport, job.SourceURL, err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		redirectInfo := ""
		if len(redirects) > 0 {
			redirectInfo = " Redirect chain: " + strings.Join(redirects, " | ")
		}
		log.Errorf("HTTP error %d for %s: %s%s", resp.StatusCode, job.SourceURL, strings.ToValidUTF8(string(body), "?"), redirectInfo)
		res.Err = fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, job.SourceURL)
		return res
	}

	out, err := os.Create(dest)
	if err != nil {
		res.Err = fmt.Errorf("%w: creating file %s: %w", ErrFileSystem, dest, err)
		return res
	}

	total := resp.ContentLength
	log.Infof("Downloading %s (Size: %s)...", dest, sizeLabel(total))

	counter := &helpers.CounterWriter{Writer: out}
	throttle := progress.NewThrottle(d.opts.ProgressInterval)
	buf := make([]byte, d.opts.ChunkSize)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.reset(d.opts.ReadTimeout)

			if ctl.cancelled() {
				d.abortCancelled(out, dest, target)
				res.Cancelled = true
				res.Err = ErrCancelled
				res.Bytes = int64(counter.Total)
				return res
			}
			if d.waitWhilePaused(ctx, ctl, watchdog) {
				d.abortCancelled(out, dest, target)
				res.Cancelled = true
				res.Err = ErrCancelled
				res.Bytes = int64(counter.Total)
				return res
			}
			if ctx.Err() != nil {
				_ = out.Close()
				res.Err = fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
				res.Bytes = int64(counter.Total)
				return res
			}

			if _, err := counter.Write(buf[:n]); err != nil {
				_ = out.Close()
				res.Err = fmt.Errorf("%w: writing %s: %w", ErrFileSystem, dest, err)
				res.Bytes = int64(counter.Total)
				return res
			}

			done := int64(counter.Total)
			if throttle.Allow(done, total) {
				events.Emit(d.sink, events.DownloadProgress{
					Target:     target,
					Downloaded: done,
					Total:      progress.Total(total),
					Percent:    progress.Percent(done, total),
				})
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			if watchdog.fired() {
				readErr = fmt.Errorf("%w: %w", ErrIdleTimeout, readErr)
			}
			log.WithError(readErr).Errorf("Exception during download for %s", job.SourceURL)
			res.Err = fmt.Errorf("%w: reading body of %s: %w", ErrTransport, job.SourceURL, readErr)
			res.Bytes = int64(counter.Total)
			return res
		}
	}

	if err := out.Close(); err != nil {
		res.Err = fmt.Errorf("%w: closing file %s: %w", ErrFileSystem, dest, err)
		res.Bytes = int64(counter.Total)
		return res
	}

	res.OK = true
	res.Bytes = int64(counter.Total)
	log.Infof("Finished writing %s (%s).", dest, helpers.BytesToSize(counter.Total))
	return res
}

// waitWhilePaused blocks while the daemon is paused and reports whether a
// cancel arrived during the wait. The idle timer is held off while paused.
func (d *Downloader) waitWhilePaused(ctx context.Context, ctl Controls, w *idleWatchdog) bool {
	if !ctl.paused() {
		return false
	}
	log.Debug("Download paused mid-transfer")
	w.stop()
	defer w.reset(d.opts.ReadTimeout)
	for ctl.paused() {
		if ctl.cancelled() {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		time.Sleep(d.opts.PausePoll)
	}
	return ctl.cancelled()
}

func (d *Downloader) abortCancelled(out *os.File, dest string, target events.Target) {
	log.Infof("Download cancelled: %s", dest)
	events.Emit(d.sink, events.DownloadCancelled{Target: target})
	_ = out.Close()
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove cancelled file %s", dest)
	}
}

func sizeLabel(total int64) string {
	if total < 0 {
		return "unknown"
	}
	return helpers.BytesToSize(uint64(total))
}
