package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-civitai-daemon/internal/daemon"
	"go-civitai-daemon/internal/database"
	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/index"
	"go-civitai-daemon/internal/manifest"
	"go-civitai-daemon/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	defaultSearchLimit  = 20
	maxRequestBody      = 8 << 20
)

// Controller is the part of the daemon the control plane drives.
type Controller interface {
	manifest.Submitter
	Pause()
	Resume()
	CancelActive()
	Stop()
	CurrentState() daemon.State
	Queue() []models.Job
	LastDownloaded() []models.DownloadRecord
}

// HistoryStore answers read-only queries over completed downloads.
type HistoryStore interface {
	History(limit int) ([]models.DownloadRecord, error)
	RecentErrors(limit int) ([]models.ErrorRecord, error)
	Metrics() (*database.Metrics, error)
	DownloadedIDs() ([]models.DedupKey, error)
}

// ModelSearcher proxies the Civitai model search. Client implements it.
type ModelSearcher interface {
	SearchModels(ctx context.Context, values url.Values) (json.RawMessage, error)
}

// Searcher runs full-text queries over completed downloads.
type Searcher interface {
	Search(q string, limit int) ([]index.Hit, error)
}

// Server exposes the daemon over HTTP. Store, Index and Civitai may be nil,
// in which case their endpoints answer 503.
type Server struct {
	Daemon  Controller
	Store   HistoryStore
	Index   Searcher
	Civitai ModelSearcher
	Hub    *events.Hub
	Sink   events.Sink
	// Heartbeat is the interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/download", s.handleDownload)
		r.Post("/batch", s.handleBatch)
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Get("/last_downloaded", s.handleLastDownloaded)
		r.Post("/pause", s.handleControl("paused", s.Daemon.Pause))
		r.Post("/resume", s.handleControl("resumed", s.Daemon.Resume))
		r.Post("/cancel", s.handleControl("cancel_requested", s.Daemon.CancelActive))
		r.Post("/stop", s.handleControl("stopped", s.Daemon.Stop))
		r.Get("/metrics", s.handleMetrics)
		r.Get("/history", s.handleHistory)
		r.Get("/downloaded_ids", s.handleDownloadedIDs)
		r.Get("/models", s.handleModels)
		r.Get("/errors", s.handleErrors)
		r.Get("/search", s.handleSearch)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("[API] request")
	})
}

type downloadRequest struct {
	ModelID      int    `json:"model_id"`
	VersionID    int    `json:"model_version_id"`
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	ModelType    string `json:"model_type"`
	SHA256       string `json:"sha256"`
	BaseModel    string `json:"base_model"`
	BaseModelAlt string `json:"baseModel"`
	Priority     *int   `json:"priority"`
}

func (req downloadRequest) missing() []string {
	var out []string
	if req.ModelID == 0 {
		out = append(out, "model_id")
	}
	if strings.TrimSpace(req.URL) == "" {
		out = append(out, "url")
	}
	if strings.TrimSpace(req.Filename) == "" {
		out = append(out, "filename")
	}
	if strings.TrimSpace(req.ModelType) == "" {
		out = append(out, "model_type")
	}
	if req.VersionID == 0 {
		out = append(out, "model_version_id")
	}
	return out
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if missing := req.missing(); len(missing) > 0 {
		writeErr(w, http.StatusUnprocessableEntity, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
		return
	}
	base := req.BaseModel
	if base == "" {
		base = req.BaseModelAlt
	}
	job := models.NewJob(models.JobSpec{
		Priority:       req.Priority,
		SourceURL:      req.URL,
		Filename:       req.Filename,
		Category:       req.ModelType,
		BaseModel:      base,
		ExpectedDigest: req.SHA256,
		ModelID:        req.ModelID,
		VersionID:      req.VersionID,
	})
	if !s.Daemon.Submit(job) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already downloaded"})
		return
	}
	log.Infof("[API] Queued %s (model %d, version %d)", job.Filename, job.ModelID, job.VersionID)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "item": job})
}

type batchRequest struct {
	Manifest []json.RawMessage `json:"manifest"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, http.StatusUnprocessableEntity, fmt.Errorf("%w: %v", manifest.ErrNotAList, err))
		return
	}
	res := manifest.Ingest(manifest.ParseRaw(req.Manifest), s.Daemon, s.Sink)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "batch_queued",
		"queued":  res.Queued,
		"skipped": res.Skipped,
		"invalid": res.Invalid,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Daemon.CurrentState())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.Daemon.Queue()})
}

func (s *Server) handleLastDownloaded(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"last_downloaded": s.Daemon.LastDownloaded()})
}

func (s *Server) handleControl(status string, action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action()
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("database is disabled"))
		return
	}
	m, err := s.Store.Metrics()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("database is disabled"))
		return
	}
	limit, err := limitParam(r, defaultHistoryLimit)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.Store.History(limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

func (s *Server) handleDownloadedIDs(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("database is disabled"))
		return
	}
	ids, err := s.Store.DownloadedIDs()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"downloaded": ids})
}

// handleModels forwards the query string, cursor included, to the Civitai
// model search and relays the JSON body.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.Civitai == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("model search is disabled"))
		return
	}
	body, err := s.Civitai.SearchModels(r.Context(), r.URL.Query())
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			log.WithError(err).Errorf("[API] Upstream timeout for /models?%s", r.URL.RawQuery)
			writeErr(w, http.StatusGatewayTimeout, errors.New("upstream timeout"))
			return
		}
		log.WithError(err).Errorf("[API] Upstream error for /models?%s", r.URL.RawQuery)
		writeErr(w, http.StatusBadGateway, fmt.Errorf("upstream error: %w", err))
		return
	}
	log.Debugf("[API] Proxied /models?%s", r.URL.RawQuery)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("database is disabled"))
		return
	}
	limit, err := limitParam(r, defaultHistoryLimit)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.Store.RecentErrors(limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": records})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.Index == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("search index is disabled"))
		return
	}
	limit, err := limitParam(r, defaultSearchLimit)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	hits, err := s.Index.Search(r.URL.Query().Get("q"), limit)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// handleEvents streams events as Server-Sent Events until the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("event stream is disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ch, unsubscribe := s.Hub.Subscribe(0)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.WithError(err).Warnf("[API] Failed to encode %s event", e.Kind)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("[API] Failed to write response")
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
