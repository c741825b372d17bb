// Package daemon runs the single download worker: it drains the scheduler,
// drives the fetcher and verifier through the retry policy, and reports every
// outcome through the event sink and the persistence store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go-civitai-daemon/internal/downloader"
	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/models"
	"go-civitai-daemon/internal/scheduler"
	"go-civitai-daemon/internal/verifier"

	log "github.com/sirupsen/logrus"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrCancelledByUser  = errors.New("cancelled by user")
	ErrAlreadyStarted   = errors.New("daemon already started")
	ErrAttemptPanic     = errors.New("panic during download attempt")
)

const (
	DefaultMaxRetries  = 5
	DefaultRetryDelay  = 2 * time.Second
	DefaultPollTimeout = time.Second
	DefaultPausePoll   = 500 * time.Millisecond
	DefaultHistorySize = 5

	skipReasonDownloaded = "already downloaded"
	logPrefix            = "Worker-1"
)

// Fetcher performs one download attempt.
type Fetcher interface {
	Fetch(ctx context.Context, job *models.Job, ctl downloader.Controls) downloader.Result
}

// Verifier checks a downloaded file against its expected digest.
type Verifier interface {
	Verify(ctx context.Context, path string, target events.Target, algo, expected string, ctl verifier.Controls) (bool, string, error)
}

// Store is the persistence side of the daemon. database.DB implements it.
type Store interface {
	RecordOutcome(job *models.Job, status, message string, fileSize int64, seconds float64) error
	RecordError(modelID int, filename, message string) error
	IsAlreadyDownloaded(modelID, versionID int) (bool, error)
	LastDownloads(limit int) ([]models.DownloadRecord, error)
}

// Options tunes the worker loop. Zero values use the package defaults.
type Options struct {
	MaxRetries  int
	RetryDelay  time.Duration
	PollTimeout time.Duration
	PausePoll   time.Duration
	HistorySize int
	// Workers is accepted for configuration compatibility; jobs always run serially.
	Workers int
}

// State is the read-only snapshot served to the control plane.
type State struct {
	ActiveJob  *models.JobRef `json:"active_job"`
	QueueDepth int            `json:"queue_size"`
	Running    bool           `json:"running"`
	Paused     bool           `json:"paused"`
}

// Daemon owns the worker loop and its run state. The control plane holds a
// *Daemon and drives it through Submit, Pause, Resume, CancelActive and Stop.
type Daemon struct {
	queue    *scheduler.Queue
	fetcher  Fetcher
	verifier Verifier
	sink     events.Sink
	store    Store

	cancel context.CancelFunc
	done   chan struct{}
	idle   chan struct{}
	active atomic.Pointer[models.JobRef]

	last []models.DownloadRecord
	opts Options

	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex

	started         atomic.Bool
	running         atomic.Bool
	paused          atomic.Bool
	stopped         atomic.Bool
	cancelRequested atomic.Bool
}

// New wires a daemon. store may be nil, in which case nothing is persisted
// and no job is ever considered already downloaded.
func New(opts Options, queue *scheduler.Queue, fetcher Fetcher, v Verifier, sink events.Sink, store Store) *Daemon {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.PausePoll <= 0 {
		opts.PausePoll = DefaultPausePoll
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Daemon{
		queue:    queue,
		fetcher:  fetcher,
		verifier: v,
		sink:     sink,
		store:    store,
		opts:     opts,
		done:     make(chan struct{}),
		idle:     make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine. It returns ErrAlreadyStarted on a
// second call.
func (d *Daemon) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	d.startOnce.Do(func() {
		err = nil
		if d.opts.Workers > 1 {
			log.Warnf("[%s] %d workers configured; jobs are processed one at a time.", logPrefix, d.opts.Workers)
		}
		d.seedHistory()

		loopCtx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.cancel = cancel
		d.mu.Unlock()
		d.started.Store(true)
		d.running.Store(true)
		go d.run(loopCtx)
	})
	return err
}

// Submit deduplicates a job against the store and either enqueues it or
// reports it as skipped. It returns true when the job was queued; download
// outcomes are only observable through events.
func (d *Daemon) Submit(job *models.Job) bool {
	target := targetOf(job)
	if d.alreadyDownloaded(job) {
		log.Infof("Skipping %s (model %d, version %d): %s", job.Filename, job.ModelID, job.VersionID, skipReasonDownloaded)
		events.Emit(d.sink, events.DownloadSkipped{Target: target, Reason: skipReasonDownloaded})
		d.recordOutcome(job, models.StatusSkipped, skipReasonDownloaded, 0, 0)
		return false
	}

	d.queue.Enqueue(job)
	log.Debugf("Queued %s with priority %d (job %s)", job.Filename, job.Priority, job.ID)
	events.Emit(d.sink, events.InQueue{Target: target, JobID: job.ID, Priority: job.Priority})
	return true
}

// Pause stops the loop from dequeuing and suspends the active transfer.
func (d *Daemon) Pause() {
	if d.paused.CompareAndSwap(false, true) {
		log.Info("Daemon paused")
		events.Emit(d.sink, events.DaemonPaused{})
	}
}

// Resume undoes Pause. Calling it while running is a no-op.
func (d *Daemon) Resume() {
	if d.paused.CompareAndSwap(true, false) {
		log.Info("Daemon resumed")
		events.Emit(d.sink, events.DaemonResumed{})
	}
}

// CancelActive aborts the job currently being downloaded or verified, if any.
// Queued jobs are not affected.
func (d *Daemon) CancelActive() {
	if d.active.Load() == nil {
		return
	}
	log.Info("Cancel requested for active download")
	d.cancelRequested.Store(true)
}

// Stop ends the worker loop. It is safe to call more than once and before Start.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		log.Info("Stop requested")
		d.stopped.Store(true)
		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		} else {
			d.running.Store(false)
		}
	})
}

// Wait blocks until the worker loop has exited or ctx is done.
func (d *Daemon) Wait(ctx context.Context) error {
	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the worker loop exits.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Idle receives a value each time the loop finds the queue empty after work,
// the same moment queue_empty is published. It does not depend on the sink
// delivering that event. At most one signal is buffered.
func (d *Daemon) Idle() <-chan struct{} {
	return d.idle
}

// CurrentState returns a point-in-time snapshot.
func (d *Daemon) CurrentState() State {
	return State{
		QueueDepth: d.queue.Len(),
		Running:    d.running.Load(),
		Paused:     d.paused.Load(),
		ActiveJob:  d.active.Load(),
	}
}

// Queue exposes the pending jobs in dequeue order.
func (d *Daemon) Queue() []models.Job {
	return d.queue.Snapshot()
}

// LastDownloaded returns the most recent successful downloads, newest first.
func (d *Daemon) LastDownloaded() []models.DownloadRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.DownloadRecord(nil), d.last...)
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Daemon loop crashed: %v", r)
			events.Emit(d.sink, events.DaemonCrashed{Error: fmt.Sprint(r)})
		}
		d.stopped.Store(true)
		d.running.Store(false)
		log.Warn("Daemon loop stopped")
		events.Emit(d.sink, events.DaemonStopped{})
	}()

	log.Infof("[%s] Daemon loop started (max retries %d)", logPrefix, d.opts.MaxRetries)
	events.Emit(d.sink, events.DaemonStarted{})

	emptyNotified := false
	for !d.stopped.Load() && ctx.Err() == nil {
		if d.paused.Load() {
			sleepCtx(ctx, d.opts.PausePoll)
			continue
		}

		job, ok := d.queue.DequeueNext(ctx, d.opts.PollTimeout)
		if !ok {
			if ctx.Err() == nil && !emptyNotified {
				log.Debugf("[%s] Queue empty", logPrefix)
				events.Emit(d.sink, events.QueueEmpty{})
				emptyNotified = true
				select {
				case d.idle <- struct{}{}:
				default:
				}
			}
			continue
		}
		emptyNotified = false
		d.processJob(ctx, job)
	}
}

// processJob isolates one job. Panics inside an attempt are retried by
// execute; a panic anywhere else is reported against the job and the loop
// carries on.
func (d *Daemon) processJob(ctx context.Context, job *models.Job) {
	ref := job.Ref()
	d.active.Store(&ref)
	defer d.active.Store(nil)

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic while processing job: %v", r)
			log.WithFields(jobFields(job)).Errorf("[%s] %s", logPrefix, msg)
			d.recordError(job, msg)
			events.Emit(d.sink, events.DownloadError{Target: targetOf(job), Error: msg, Attempt: job.RetryCount + 1})
		}
	}()

	err := d.execute(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelledByUser):
		log.WithFields(jobFields(job)).Infof("[%s] Job abandoned: %v", logPrefix, err)
	case errors.Is(err, ErrRetriesExhausted):
		log.WithFields(jobFields(job)).Errorf("[%s] Job failed: %v", logPrefix, err)
	default:
		log.WithFields(jobFields(job)).Warnf("[%s] Job interrupted: %v", logPrefix, err)
	}
}

// execute runs attempts until one succeeds, retries are exhausted, the user
// cancels, or the loop context ends.
func (d *Daemon) execute(ctx context.Context, job *models.Job) error {
	target := targetOf(job)
	maxAttempts := d.opts.MaxRetries

	for {
		attempt := job.RetryCount + 1
		d.cancelRequested.Store(false)

		log.WithFields(jobFields(job)).Infof("[%s] Attempt %d/%d for %s (url: %s)", logPrefix, attempt, maxAttempts, job.Filename, job.SourceURL)
		events.Emit(d.sink, events.DownloadStart{
			Target:      target,
			JobID:       job.ID,
			URL:         job.SourceURL,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
		})

		started := time.Now()
		path, size, digest, err := d.attempt(ctx, job, target)
		elapsed := roundSeconds(time.Since(started))

		if err == nil {
			d.complete(job, path, size, digest, elapsed)
			return nil
		}

		removeFile(path)

		if errors.Is(err, ErrCancelledByUser) {
			d.recordError(job, fmt.Sprintf("Cancelled by user during attempt %d", attempt))
			return err
		}
		if ctx.Err() != nil {
			d.recordError(job, fmt.Sprintf("Interrupted by shutdown during attempt %d: %v", attempt, err))
			return ctx.Err()
		}

		log.WithFields(jobFields(job)).WithError(err).Errorf("[%s] Download failed: %s (url: %s)", logPrefix, job.Filename, job.SourceURL)
		d.recordError(job, fmt.Sprintf("%v\nURL: %s", err, job.SourceURL))
		events.Emit(d.sink, events.DownloadError{Target: target, Error: err.Error(), Attempt: attempt})

		job.RetryCount++
		if job.RetryCount >= maxAttempts {
			msg := fmt.Sprintf("Max retries (%d) reached.", maxAttempts)
			events.Emit(d.sink, events.DownloadFailed{Target: target, Error: msg})
			d.recordOutcome(job, models.StatusFailed, msg, 0, elapsed)
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, job.Filename, job.RetryCount, err)
		}

		log.Warnf("[%s] Retrying %s (retry %d/%d) after %v...", logPrefix, job.Filename, job.RetryCount, maxAttempts, d.opts.RetryDelay)
		if !sleepCtx(ctx, d.opts.RetryDelay) {
			d.recordError(job, "Interrupted by shutdown while waiting to retry")
			return ctx.Err()
		}
	}
}

// attempt runs one fetch plus verification and returns the written path even
// on failure so the caller can clean it up. A panic is returned as an
// ErrAttemptPanic failure.
func (d *Daemon) attempt(ctx context.Context, job *models.Job, target events.Target) (path string, size int64, digest string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(jobFields(job)).Errorf("[%s] Panic during attempt: %v", logPrefix, r)
			size, digest = 0, ""
			err = fmt.Errorf("%w: %v", ErrAttemptPanic, r)
		}
	}()

	res := d.fetcher.Fetch(ctx, job, downloader.Controls{
		Paused:    d.transferPaused,
		Cancelled: d.cancelRequested.Load,
	})
	path = res.Path
	if res.Cancelled {
		return res.Path, res.Bytes, "", fmt.Errorf("%w: %s", ErrCancelledByUser, job.Filename)
	}
	if !res.OK {
		if res.Err == nil {
			res.Err = downloader.ErrTransport
		}
		return res.Path, res.Bytes, "", res.Err
	}

	size = res.Bytes
	if info, err := os.Stat(res.Path); err == nil {
		size = info.Size()
	}
	if !job.HasDigest() || d.verifier == nil {
		return res.Path, size, "", nil
	}

	log.Infof("[%s] Verifying %s for %s", logPrefix, job.DigestAlgorithm, job.Filename)
	events.Emit(d.sink, events.HashStart{Target: target, Algorithm: job.DigestAlgorithm})

	ok, actual, err := d.verifier.Verify(ctx, res.Path, target, job.DigestAlgorithm, job.ExpectedDigest, verifier.Controls{
		Paused:    d.transferPaused,
		Cancelled: d.cancelRequested.Load,
	})
	if err != nil {
		if errors.Is(err, verifier.ErrVerifyCancelled) && d.cancelRequested.Load() {
			events.Emit(d.sink, events.DownloadCancelled{Target: target})
			return res.Path, size, "", fmt.Errorf("%w: %s", ErrCancelledByUser, job.Filename)
		}
		return res.Path, size, "", err
	}
	if !ok {
		return res.Path, size, actual, fmt.Errorf("%w: %s mismatch for %s\nExpected: %s\nActual:   %s",
			verifier.ErrIntegrity, job.DigestAlgorithm, job.Filename, job.ExpectedDigest, actual)
	}

	log.Infof("[%s] %s verified for %s", logPrefix, job.DigestAlgorithm, job.Filename)
	events.Emit(d.sink, events.HashFinished{Target: target, Algorithm: job.DigestAlgorithm, Digest: actual})
	return res.Path, size, actual, nil
}

func (d *Daemon) complete(job *models.Job, path string, size int64, digest string, elapsed float64) {
	log.WithFields(jobFields(job)).Infof("[%s] Download finished: %s (%d bytes, %.3fs)", logPrefix, job.Filename, size, elapsed)
	d.recordOutcome(job, models.StatusSuccess, fmt.Sprintf("success (%d bytes)", size), size, elapsed)

	d.pushHistory(models.DownloadRecord{
		Timestamp:    time.Now().UTC(),
		ModelID:      job.ModelID,
		VersionID:    job.VersionID,
		Filename:     job.Filename,
		ModelType:    job.Category,
		BaseModel:    job.BaseModel,
		Status:       models.StatusSuccess,
		FileSize:     size,
		DownloadTime: elapsed,
	})

	events.Emit(d.sink, events.DownloadFinished{
		Target:       targetOf(job),
		Category:     job.Category,
		BaseModel:    job.BaseModel,
		Path:         path,
		Digest:       digest,
		FileSize:     size,
		DownloadTime: elapsed,
	})
}

// transferPaused keeps a stopped daemon from holding a transfer in its pause wait.
func (d *Daemon) transferPaused() bool {
	return d.paused.Load() && !d.stopped.Load()
}

func (d *Daemon) alreadyDownloaded(job *models.Job) bool {
	if d.store == nil {
		return false
	}
	done, err := d.store.IsAlreadyDownloaded(job.ModelID, job.VersionID)
	if err != nil {
		log.WithError(err).Warnf("Dedup lookup failed for model %d version %d; queuing anyway", job.ModelID, job.VersionID)
		return false
	}
	return done
}

func (d *Daemon) recordOutcome(job *models.Job, status, message string, size int64, seconds float64) {
	if d.store == nil {
		return
	}
	if err := d.store.RecordOutcome(job, status, message, size, seconds); err != nil {
		log.WithError(err).Errorf("Failed to record %s outcome for %s", status, job.Filename)
	}
}

func (d *Daemon) recordError(job *models.Job, message string) {
	if d.store == nil {
		return
	}
	if err := d.store.RecordError(job.ModelID, job.Filename, message); err != nil {
		log.WithError(err).Errorf("Failed to record error for %s", job.Filename)
	}
}

func (d *Daemon) seedHistory() {
	if d.store == nil {
		return
	}
	recs, err := d.store.LastDownloads(d.opts.HistorySize)
	if err != nil {
		log.WithError(err).Warn("Could not load recent downloads")
		return
	}
	d.mu.Lock()
	d.last = recs
	d.mu.Unlock()
}

func (d *Daemon) pushHistory(rec models.DownloadRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = append([]models.DownloadRecord{rec}, d.last...)
	if len(d.last) > d.opts.HistorySize {
		d.last = d.last[:d.opts.HistorySize]
	}
}

func targetOf(job *models.Job) events.Target {
	return events.Target{ModelID: job.ModelID, VersionID: job.VersionID, Filename: job.Filename}
}

func jobFields(job *models.Job) log.Fields {
	return log.Fields{
		"job_id":   job.ID,
		"model_id": job.ModelID,
		"filename": job.Filename,
		"attempt":  job.RetryCount + 1,
	}
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err == nil {
		log.Infof("Removed incomplete file: %s", path)
	} else if !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove incomplete file %s", path)
	}
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
