// Package index keeps a bleve full-text index over completed downloads.
package index

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go-civitai-daemon/internal/events"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	log "github.com/sirupsen/logrus"
)

// ErrIndexClosed is returned after Close.
var ErrIndexClosed = errors.New("search index is closed")

// DefaultSearchLimit caps a search when the caller passes no limit.
const DefaultSearchLimit = 20

// Item is the indexed document for one completed download.
type Item struct {
	DownloadedAt time.Time `json:"downloaded_at"`
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	ModelType    string    `json:"model_type"`
	BaseModel    string    `json:"base_model"`
	Path         string    `json:"path"`
	Digest       string    `json:"digest"`
	ModelID      int       `json:"model_id"`
	VersionID    int       `json:"model_version_id"`
	FileSize     int64     `json:"file_size"`
	DownloadTime float64   `json:"download_time"`
}

// Hit is one search result.
type Hit struct {
	Item
	Score float64 `json:"score"`
}

// Index wraps a bleve index. It also acts as an events.Sink that indexes
// every download_finished event.
type Index struct {
	idx    bleve.Index
	mu     sync.RWMutex
	closed bool
}

func buildMapping() mapping.IndexMapping {
	keyword := bleve.NewKeywordFieldMapping()
	numeric := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("filename", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("model_type", keyword)
	doc.AddFieldMappingsAt("base_model", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("digest", keyword)
	doc.AddFieldMappingsAt("path", keyword)
	doc.AddFieldMappingsAt("model_id", numeric)
	doc.AddFieldMappingsAt("model_version_id", numeric)
	doc.AddFieldMappingsAt("file_size", numeric)
	doc.AddFieldMappingsAt("download_time", numeric)
	doc.AddFieldMappingsAt("downloaded_at", bleve.NewDateTimeFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// OpenOrCreateIndex opens the index at path, creating it if it does not exist.
func OpenOrCreateIndex(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new search index at %s", path)
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening search index at %s: %w", path, err)
	}
	log.Debugf("Search index ready at %s", path)
	return &Index{idx: idx}, nil
}

// NewMemOnly creates an in-memory index.
func NewMemOnly() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("creating in-memory search index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// DocID is the document key for a model version file.
func DocID(versionID int, filename string) string {
	return fmt.Sprintf("v_%d_%s", versionID, filename)
}

// IndexItem adds or replaces the document for item.
func (i *Index) IndexItem(item Item) error {
	if item.ID == "" {
		item.ID = DocID(item.VersionID, item.Filename)
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrIndexClosed
	}
	if err := i.idx.Index(item.ID, item); err != nil {
		return fmt.Errorf("indexing %s: %w", item.ID, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return 0, ErrIndexClosed
	}
	return i.idx.DocCount()
}

// Search runs a bleve query-string query, for example "lora" or
// "+model_type:LORA +base_model:sdxl".
func (i *Index) Search(q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var req *bleve.SearchRequest
	if strings.TrimSpace(q) == "" {
		req = bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), limit, 0, false)
		req.SortBy([]string{"-downloaded_at"})
	} else {
		req = bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), limit, 0, false)
	}
	req.Fields = []string{"*"}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, ErrIndexClosed
	}
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", q, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{Item: itemFromFields(h.ID, h.Fields), Score: h.Score})
	}
	return hits, nil
}

// Publish implements events.Sink.
func (i *Index) Publish(e events.Event) {
	fin, ok := e.Payload.(events.DownloadFinished)
	if !ok {
		return
	}
	item := Item{
		DownloadedAt: e.Time.UTC(),
		Filename:     fin.Filename,
		ModelType:    fin.Category,
		BaseModel:    fin.BaseModel,
		Path:         fin.Path,
		Digest:       fin.Digest,
		ModelID:      fin.ModelID,
		VersionID:    fin.VersionID,
		FileSize:     fin.FileSize,
		DownloadTime: fin.DownloadTime,
	}
	if err := i.IndexItem(item); err != nil {
		log.WithError(err).Warnf("Failed to index %s", fin.Filename)
		return
	}
	log.Debugf("Indexed %s", fin.Filename)
}

// Close closes the underlying index. It is safe to call more than once.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.idx.Close()
}

func itemFromFields(id string, f map[string]interface{}) Item {
	item := Item{
		ID:        id,
		Filename:  str(f["filename"]),
		ModelType: str(f["model_type"]),
		BaseModel: str(f["base_model"]),
		Path:      str(f["path"]),
		Digest:    str(f["digest"]),
		ModelID:   int(num(f["model_id"])),
		VersionID: int(num(f["model_version_id"])),
		FileSize:  int64(num(f["file_size"])),

		DownloadTime: num(f["download_time"]),
	}
	if ts := str(f["downloaded_at"]); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			item.DownloadedAt = t
		}
	}
	return item
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	n, _ := v.(float64)
	return n
}
