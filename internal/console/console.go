// Package console renders daemon events as a live terminal status line.
package console

import (
	"fmt"
	"io"
	"sync"

	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/helpers"

	"github.com/gosuri/uilive"
)

// Console is an events.Sink that keeps one live line for the active transfer
// and prints terminal outcomes above it.
type Console struct {
	w      *uilive.Writer
	mu     sync.Mutex
	closed bool
}

// New creates a console writing to out and starts its refresh loop.
func New(out io.Writer) *Console {
	w := uilive.New()
	if out != nil {
		w.Out = out
	}
	w.Start()
	return &Console{w: w}
}

// Publish implements events.Sink.
func (c *Console) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch p := e.Payload.(type) {
	case events.DownloadStart:
		c.live("Downloading %s (attempt %d/%d)", p.Filename, p.Attempt, p.MaxAttempts)
	case events.DownloadProgress:
		if p.Percent == nil {
			c.live("Downloading %s: %s", p.Filename, helpers.BytesToSize(uint64(p.Downloaded)))
		} else {
			c.live("Downloading %s: %5.1f%% (%s / %s)", p.Filename, *p.Percent,
				helpers.BytesToSize(uint64(p.Downloaded)), helpers.BytesToSize(uint64(*p.Total)))
		}
	case events.HashStart:
		c.live("Verifying %s (%s)", p.Filename, p.Algorithm)
	case events.HashProgress:
		if p.Percent != nil {
			c.live("Verifying %s: %5.1f%%", p.Filename, *p.Percent)
		}
	case events.DownloadFinished:
		c.line("Finished %s (%s in %.1fs) -> %s", p.Filename, helpers.BytesToSize(uint64(p.FileSize)), p.DownloadTime, p.Path)
	case events.DownloadError:
		c.line("Attempt %d for %s failed: %s", p.Attempt, p.Filename, p.Error)
	case events.DownloadFailed:
		c.line("FAILED %s: %s", p.Filename, p.Error)
	case events.DownloadCancelled:
		c.line("Cancelled %s", p.Filename)
	case events.DownloadSkipped:
		c.line("Skipped %s: %s", p.Filename, p.Reason)
	case events.BatchQueued:
		c.line("Batch: %d queued, %d skipped, %d invalid", p.Count, p.Skipped, p.Invalid)
	case events.DaemonPaused:
		c.line("Paused")
	case events.DaemonResumed:
		c.line("Resumed")
	case events.DaemonCrashed:
		c.line("Daemon crashed: %s", p.Error)
	}
}

func (c *Console) live(format string, args ...any) {
	fmt.Fprintf(c.w, format+"\n", args...)
	_ = c.w.Flush()
}

func (c *Console) line(format string, args ...any) {
	fmt.Fprintf(c.w.Bypass(), format+"\n", args...)
}

// Close stops the refresh loop. Later events are ignored.
func (c *Console) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.w.Stop()
}
