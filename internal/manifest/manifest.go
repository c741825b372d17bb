// Package manifest reads batch job descriptors and submits them to the daemon.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/models"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Format selects the manifest encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported manifest format")
	ErrNotAList          = errors.New("manifest must be a list of jobs")
)

// Entry is one manifest item. File manifests use camelCase keys; the HTTP
// batch endpoint sends snake_case, so both spellings are accepted.
type Entry struct {
	Priority     *int   `json:"priority,omitempty" yaml:"priority,omitempty"`
	URL          string `json:"url" yaml:"url"`
	Filename     string `json:"filename" yaml:"filename"`
	SHA256       string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	BLAKE3       string `json:"blake3,omitempty" yaml:"blake3,omitempty"`
	ModelType    string `json:"model_type,omitempty" yaml:"model_type,omitempty"`
	BaseModel    string `json:"baseModel,omitempty" yaml:"baseModel,omitempty"`
	BaseModelAlt string `json:"base_model,omitempty" yaml:"base_model,omitempty"`
	ModelID      int    `json:"modelId" yaml:"modelId"`
	ModelIDAlt   int    `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	VersionID    int    `json:"modelVersionId" yaml:"modelVersionId"`
	VersionIDAlt int    `json:"model_version_id,omitempty" yaml:"model_version_id,omitempty"`
}

func (e *Entry) normalize() {
	if e.ModelID == 0 {
		e.ModelID = e.ModelIDAlt
	}
	if e.VersionID == 0 {
		e.VersionID = e.VersionIDAlt
	}
	if e.BaseModel == "" {
		e.BaseModel = e.BaseModelAlt
	}
	e.ModelIDAlt, e.VersionIDAlt, e.BaseModelAlt = 0, 0, ""
}

// Validate reports which required fields are missing.
func (e Entry) Validate() error {
	var missing []string
	if e.ModelID == 0 {
		missing = append(missing, "modelId")
	}
	if strings.TrimSpace(e.URL) == "" {
		missing = append(missing, "url")
	}
	if strings.TrimSpace(e.Filename) == "" {
		missing = append(missing, "filename")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Job converts the entry into a queueable job. A SHA256 digest wins over BLAKE3.
func (e Entry) Job() *models.Job {
	spec := models.JobSpec{
		Priority:  e.Priority,
		SourceURL: e.URL,
		Filename:  e.Filename,
		Category:  e.ModelType,
		BaseModel: e.BaseModel,
		ModelID:   e.ModelID,
		VersionID: e.VersionID,
	}
	switch {
	case e.SHA256 != "":
		spec.ExpectedDigest = e.SHA256
		spec.DigestAlgorithm = models.DigestSHA256
	case e.BLAKE3 != "":
		spec.ExpectedDigest = e.BLAKE3
		spec.DigestAlgorithm = models.DigestBLAKE3
	}
	return models.NewJob(spec)
}

// Parsed is the result of decoding a manifest: the entries that decoded and
// the number of items that could not.
type Parsed struct {
	Entries   []Entry
	Undecoded int
}

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load reads and parses the manifest at path.
func Load(path string) (Parsed, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Parsed{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, format)
}

// Parse decodes a manifest list. Items that fail to decode are counted and
// skipped; only a document that is not a list at all is an error.
func Parse(r io.Reader, format Format) (Parsed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Parsed{}, fmt.Errorf("reading manifest: %w", err)
	}
	switch format {
	case FormatJSON:
		return parseJSON(data)
	case FormatYAML:
		return parseYAML(data)
	default:
		return Parsed{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ParseRaw decodes items that were already split out of a JSON document,
// such as the manifest field of an HTTP batch request.
func ParseRaw(items []json.RawMessage) Parsed {
	var out Parsed
	for i, raw := range items {
		var e Entry
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&e); err != nil {
			log.WithError(err).Warnf("Skipping manifest entry %d: cannot decode", i)
			out.Undecoded++
			continue
		}
		e.normalize()
		out.Entries = append(out.Entries, e)
	}
	return out
}

func parseJSON(data []byte) (Parsed, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return Parsed{}, fmt.Errorf("%w: %w", ErrNotAList, err)
	}
	return ParseRaw(items), nil
}

func parseYAML(data []byte) (Parsed, error) {
	var items []yaml.Node
	if err := yaml.Unmarshal(data, &items); err != nil {
		return Parsed{}, fmt.Errorf("%w: %w", ErrNotAList, err)
	}

	var out Parsed
	for i := range items {
		var e Entry
		if err := items[i].Decode(&e); err != nil {
			log.WithError(err).Warnf("Skipping manifest entry %d (line %d): cannot decode", i, items[i].Line)
			out.Undecoded++
			continue
		}
		e.normalize()
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

// Submitter accepts jobs. It returns false when a job was skipped as a duplicate.
type Submitter interface {
	Submit(job *models.Job) bool
}

// Result counts what happened to a batch.
type Result struct {
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
	Invalid int `json:"invalid"`
}

// Ingest submits every valid entry and publishes one batch_queued event. A
// malformed entry never stops the rest of the batch.
func Ingest(p Parsed, sub Submitter, sink events.Sink) Result {
	res := Result{Invalid: p.Undecoded}
	for i, e := range p.Entries {
		if err := e.Validate(); err != nil {
			log.Warnf("Skipping manifest entry %d (%s): %v", i, e.Filename, err)
			res.Invalid++
			continue
		}
		if sub.Submit(e.Job()) {
			res.Queued++
		} else {
			res.Skipped++
		}
	}

	log.Infof("Batch manifest queued: %d queued, %d skipped, %d invalid", res.Queued, res.Skipped, res.Invalid)
	events.Emit(sink, events.BatchQueued{Count: res.Queued, Skipped: res.Skipped, Invalid: res.Invalid})
	return res
}
