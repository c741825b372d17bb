// Package events defines the lifecycle and progress notifications published by
// the download daemon and the sinks that deliver them.
package events

import (
	"time"
)

// Kind names an event on the wire.
type Kind string

const (
	KindDaemonStarted     Kind = "daemon_started"
	KindDaemonPaused      Kind = "daemon_paused"
	KindDaemonResumed     Kind = "daemon_resumed"
	KindDaemonStopped     Kind = "daemon_stopped"
	KindDaemonCrashed     Kind = "daemon_crashed"
	KindQueueUpdate       Kind = "queue_update"
	KindQueueEmpty        Kind = "queue_empty"
	KindInQueue           Kind = "in_queue"
	KindDownloadStart     Kind = "download_start"
	KindDownloadProgress  Kind = "download_progress"
	KindHashStart         Kind = "hash_start"
	KindHashProgress      Kind = "hash_progress"
	KindHashFinished      Kind = "hash_finished"
	KindDownloadFinished  Kind = "download_finished"
	KindDownloadFailed    Kind = "download_failed"
	KindDownloadError     Kind = "download_error"
	KindDownloadCancelled Kind = "download_cancelled"
	KindDownloadSkipped   Kind = "download_skipped"
	KindBatchQueued       Kind = "batch_queued"
)

// Payload is implemented only by the payload types in this package.
type Payload interface {
	Kind() Kind
	sealed()
}

// Event is one notification. It marshals as {"event": ..., "data": ..., "time": ...}.
type Event struct {
	Time    time.Time `json:"time"`
	Payload Payload   `json:"data"`
	Kind    Kind      `json:"event"`
}

// New stamps a payload with its kind and the current time.
func New(p Payload) Event {
	return Event{Kind: p.Kind(), Time: time.Now(), Payload: p}
}

// Sink receives events. Implementations must not block the caller for long.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

// Emit publishes p on s. A nil sink discards the event.
func Emit(s Sink, p Payload) {
	if s == nil {
		return
	}
	s.Publish(New(p))
}

// Target identifies the file an event refers to.
type Target struct {
	Filename  string `json:"filename"`
	ModelID   int    `json:"model_id"`
	VersionID int    `json:"model_version_id"`
}

type (
	DaemonStarted struct{}
	DaemonPaused  struct{}
	DaemonResumed struct{}
	DaemonStopped struct{}

	DaemonCrashed struct {
		Error string `json:"error"`
	}

	QueueUpdate struct {
		QueueSize int `json:"queue_size"`
	}

	QueueEmpty struct{}

	InQueue struct {
		Target
		JobID    string `json:"job_id"`
		Priority int    `json:"priority"`
	}

	DownloadStart struct {
		Target
		JobID       string `json:"job_id"`
		URL         string `json:"url"`
		Attempt     int    `json:"attempt"`
		MaxAttempts int    `json:"max_attempts"`
	}

	// DownloadProgress carries nil Total and Percent when the server sent no length.
	DownloadProgress struct {
		Total   *int64   `json:"total"`
		Percent *float64 `json:"progress"`
		Target
		Downloaded int64 `json:"downloaded"`
	}

	HashStart struct {
		Algorithm string `json:"algorithm"`
		Target
	}

	HashProgress struct {
		Percent *float64 `json:"progress"`
		Target
		Processed int64 `json:"processed"`
		Total     int64 `json:"total"`
	}

	HashFinished struct {
		Algorithm string `json:"algorithm"`
		Digest    string `json:"digest"`
		Target
	}

	DownloadFinished struct {
		Category  string `json:"model_type"`
		BaseModel string `json:"base_model,omitempty"`
		Path      string `json:"path"`
		Digest    string `json:"digest,omitempty"`
		Target
		FileSize     int64   `json:"file_size"`
		DownloadTime float64 `json:"download_time"`
	}

	DownloadFailed struct {
		Error string `json:"error"`
		Target
	}

	DownloadError struct {
		Error string `json:"error"`
		Target
		Attempt int `json:"attempt"`
	}

	DownloadCancelled struct {
		Target
	}

	DownloadSkipped struct {
		Reason string `json:"reason"`
		Target
	}

	BatchQueued struct {
		Count   int `json:"count"`
		Skipped int `json:"skipped"`
		Invalid int `json:"invalid"`
	}
)

func (DaemonStarted) Kind() Kind     { return KindDaemonStarted }
func (DaemonPaused) Kind() Kind      { return KindDaemonPaused }
func (DaemonResumed) Kind() Kind     { return KindDaemonResumed }
func (DaemonStopped) Kind() Kind     { return KindDaemonStopped }
func (DaemonCrashed) Kind() Kind     { return KindDaemonCrashed }
func (QueueUpdate) Kind() Kind       { return KindQueueUpdate }
func (QueueEmpty) Kind() Kind        { return KindQueueEmpty }
func (InQueue) Kind() Kind           { return KindInQueue }
func (DownloadStart) Kind() Kind     { return KindDownloadStart }
func (DownloadProgress) Kind() Kind  { return KindDownloadProgress }
func (HashStart) Kind() Kind         { return KindHashStart }
func (HashProgress) Kind() Kind      { return KindHashProgress }
func (HashFinished) Kind() Kind      { return KindHashFinished }
func (DownloadFinished) Kind() Kind  { return KindDownloadFinished }
func (DownloadFailed) Kind() Kind    { return KindDownloadFailed }
func (DownloadError) Kind() Kind     { return KindDownloadError }
func (DownloadCancelled) Kind() Kind { return KindDownloadCancelled }
func (DownloadSkipped) Kind() Kind   { return KindDownloadSkipped }
func (BatchQueued) Kind() Kind       { return KindBatchQueued }

func (DaemonStarted) sealed()     {}
func (DaemonPaused) sealed()      {}
func (DaemonResumed) sealed()     {}
func (DaemonStopped) sealed()     {}
func (DaemonCrashed) sealed()     {}
func (QueueUpdate) sealed()       {}
func (QueueEmpty) sealed()        {}
func (InQueue) sealed()           {}
func (DownloadStart) sealed()     {}
func (DownloadProgress) sealed()  {}
func (HashStart) sealed()         {}
func (HashProgress) sealed()      {}
func (HashFinished) sealed()      {}
func (DownloadFinished) sealed()  {}
func (DownloadFailed) sealed()    {}
func (DownloadError) sealed()     {}
func (DownloadCancelled) sealed() {}
func (DownloadSkipped) sealed()   {}
func (BatchQueued) sealed()       {}
