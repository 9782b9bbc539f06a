// Package server exposes the cache engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/engine"
	"github.com/pario-ai/querycache/pkg/logging"
	"github.com/pario-ai/querycache/pkg/models"
)

const maxBodyBytes = 4 << 20

// Options configures a Server.
type Options struct {
	Listen string
	// Answerer produces answers on a cache miss for /v1/query. When nil the
	// endpoint only serves cache hits.
	Answerer Answerer
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  logrus.FieldLogger
}

// Server is the querycache HTTP API.
type Server struct {
	listen   string
	engine   *engine.Manager
	answerer Answerer
	log      logrus.FieldLogger
	mux      *http.ServeMux
}

// New creates a Server around m.
func New(m *engine.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Server{
		listen:   opts.Listen,
		engine:   m,
		answerer: opts.Answerer,
		log:      opts.Logger.WithField("component", "server"),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/cache/check", s.handleCheck)
	s.mux.HandleFunc("POST /v1/cache/entries", s.handleAdd)
	s.mux.HandleFunc("DELETE /v1/cache/entries", s.handleClear)
	s.mux.HandleFunc("POST /v1/cache/entries/{id}/embedding", s.handleFillEmbedding)
	s.mux.HandleFunc("GET /v1/cache/pending", s.handlePending)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleStats)
	s.mux.HandleFunc("GET /v1/cache/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /v1/cache/config", s.handleUpdateConfig)
	s.mux.HandleFunc("POST /v1/cache/cleanup", s.handleCleanup)
	s.mux.HandleFunc("POST /v1/cache/populate", s.handlePopulate)
	s.mux.HandleFunc("GET /v1/cache/verify", s.handleVerify)
	s.mux.HandleFunc("POST /v1/query", s.handleQuery)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()[:8]
	}
	w.Header().Set("X-Request-ID", reqID)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	s.log.WithFields(logrus.Fields{
		logging.RequestIDField: reqID,
		"method":               r.Method,
		"path":                 r.URL.Path,
		"status":               rec.status,
		"duration_ms":          time.Since(start).Milliseconds(),
	}).Debug("request served")
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("querycache listening on %s", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type checkRequest struct {
	Embedding []float32 `json:"embedding"`
	Threshold *float64  `json:"threshold,omitempty"`
}

type checkResponse struct {
	Hit    bool             `json:"hit"`
	Result *models.CacheHit `json:"result,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decode(w, r, &req) {
		return
	}
	hit, err := s.engine.Check(r.Context(), req.Embedding, req.Threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Hit: hit != nil, Result: hit})
}

type addRequest struct {
	UserMessageID      string    `json:"user_message_id"`
	AssistantMessageID string    `json:"assistant_message_id"`
	RephrasedQuery     string    `json:"rephrased_query"`
	Embedding          []float32 `json:"embedding"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.engine.Add(r.Context(), req.UserMessageID, req.AssistantMessageID, req.RephrasedQuery, req.Embedding)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if id == "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"cache_id": id, "stored": id != ""})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Clear(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted_entries": n})
}

func (s *Server) handleFillEmbedding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Embedding []float32 `json:"embedding"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.FillEmbedding(r.Context(), r.PathValue("id"), req.Embedding); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.engine.Pending(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.CacheEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Policy())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if !decode(w, r, &raw) {
		return
	}
	if len(raw) == 0 {
		writeJSONError(w, http.StatusBadRequest, "no configuration updates provided")
		return
	}
	changes := make(map[string]string, len(raw))
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			changes[k] = str
			continue
		}
		changes[k] = strings.TrimSpace(string(v))
	}
	if err := s.engine.UpdateConfig(r.Context(), changes); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": changes, "policy": s.engine.Policy()})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Cleanup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted_entries": n})
}

func (s *Server) handlePopulate(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.PopulateFromExisting(r.Context())
	if err != nil {
		s.log.WithError(err).WithField("populated", n).Error("populate failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"populated_entries": n})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Verify(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := "enabled"
	if !s.engine.Policy().Enabled {
		state = "disabled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "cache": state})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeJSON encodes v before writing the status so an unencodable value
// becomes a 500 instead of a truncated body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encode response: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}

// writeError maps engine errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, cache.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, cache.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, cache.ErrNotPending):
		code = http.StatusConflict
	case errors.Is(err, cache.ErrUnavailable), errors.Is(err, ErrNoAnswerer):
		code = http.StatusServiceUnavailable
	}
	writeJSONError(w, code, err.Error())
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"querycache_error","code":%d}}`, message, code)
}
