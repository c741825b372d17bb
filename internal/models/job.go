package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPriority sits mid-range so explicit priorities of 0 or 1 always win.
const DefaultPriority = 2

// DefaultCategory is used when a request carries no model type.
const DefaultCategory = "other"

// Job describes one requested download.
//
// While queued a Job belongs to the scheduler; once dequeued it belongs to the
// worker until a terminal outcome is reported.
type Job struct {
	EnqueuedAt      time.Time `json:"enqueued_at"`
	ID              string    `json:"id"`
	SourceURL       string    `json:"url"`
	Filename        string    `json:"filename"`
	Category        string    `json:"model_type"`
	BaseModel       string    `json:"base_model,omitempty"`
	ExpectedDigest  string    `json:"sha256,omitempty"`
	DigestAlgorithm string    `json:"digest_algorithm,omitempty"`
	ModelID         int       `json:"model_id"`
	VersionID       int       `json:"model_version_id"`
	Priority        int       `json:"priority"`
	RetryCount      int       `json:"retries"`
}

// JobSpec carries the caller-supplied fields of a Job. A nil Priority means
// "use the default".
type JobSpec struct {
	Priority        *int
	SourceURL       string
	Filename        string
	Category        string
	BaseModel       string
	ExpectedDigest  string
	DigestAlgorithm string
	ModelID         int
	VersionID       int
}

// JobRef is the identifying subset of a Job carried in events and status snapshots.
type JobRef struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Category  string `json:"model_type"`
	ModelID   int    `json:"model_id"`
	VersionID int    `json:"model_version_id"`
	Priority  int    `json:"priority"`
}

// DedupKey identifies the model version a job would produce.
type DedupKey struct {
	ModelID   int `json:"model_id"`
	VersionID int `json:"model_version_id"`
}

// NewJob builds a normalised Job from a spec.
func NewJob(spec JobSpec) *Job {
	priority := DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}

	category := strings.TrimSpace(spec.Category)
	if category == "" {
		category = DefaultCategory
	}

	algo := strings.ToLower(strings.TrimSpace(spec.DigestAlgorithm))
	digest := strings.ToLower(strings.TrimSpace(spec.ExpectedDigest))
	if digest != "" && algo == "" {
		algo = DigestSHA256
	}
	if digest == "" {
		algo = ""
	}

	return &Job{
		ID:              uuid.NewString(),
		SourceURL:       strings.TrimSpace(spec.SourceURL),
		Filename:        strings.TrimSpace(spec.Filename),
		Category:        category,
		BaseModel:       strings.TrimSpace(spec.BaseModel),
		ExpectedDigest:  digest,
		DigestAlgorithm: algo,
		ModelID:         spec.ModelID,
		VersionID:       spec.VersionID,
		Priority:        priority,
	}
}

// HasDigest reports whether the job should be verified after download.
func (j *Job) HasDigest() bool {
	return j.ExpectedDigest != ""
}

// Key returns the dedup key of the job.
func (j *Job) Key() DedupKey {
	return DedupKey{ModelID: j.ModelID, VersionID: j.VersionID}
}

// Ref returns the identifying fields of the job.
func (j *Job) Ref() JobRef {
	return JobRef{
		ID:        j.ID,
		Filename:  j.Filename,
		Category:  j.Category,
		ModelID:   j.ModelID,
		VersionID: j.VersionID,
		Priority:  j.Priority,
	}
}

// IntPtr is a small helper for building JobSpec literals.
func IntPtr(v int) *int {
	return &v
}
