// Package api exposes the HTTP interface for the fetch engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dealhound/fetchengine/internal/config"
	"github.com/dealhound/fetchengine/internal/engine"
	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/metrics"
	"github.com/dealhound/fetchengine/internal/proxy"
)

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router chi.Router
	engine *engine.Engine
	pool   *proxy.Pool
	idGen  fetch.IDGenerator
	logger *zap.Logger
	cfg    config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(eng *engine.Engine, pool *proxy.Pool, idGen fetch.IDGenerator, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: eng,
		pool:   pool,
		idGen:  idGen,
		logger: logger,
		cfg:    cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.fetchOne)
		r.Post("/fetch/batch", s.fetchBatch)
		r.Get("/proxies", s.listProxies)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fetchRequest struct {
	URL            string   `json:"url"`
	Site           string   `json:"site"`
	Fields         []string `json:"fields"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	NoCache        bool     `json:"no_cache"`
}

type fetchResponse struct {
	JobID      string            `json:"job_id"`
	Strategy   string            `json:"strategy,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at,omitempty"`
	FromCache  bool              `json:"from_cache,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type batchRequest struct {
	Jobs           []fetchRequest `json:"jobs"`
	MaxConcurrency int            `json:"max_concurrency"`
}

func (s *Server) buildJob(req fetchRequest) (fetch.Job, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return fetch.Job{}, err
	}
	return fetch.Job{
		ID:      id,
		URL:     req.URL,
		Site:    req.Site,
		Fields:  req.Fields,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
		NoCache: req.NoCache,
	}, nil
}

func (s *Server) fetchOne(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	job, err := s.buildJob(req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "id generation failed"})
		return
	}

	result, err := s.engine.Dispatch(r.Context(), job)
	writeJSON(w, statusFor(err), toResponse(job.ID, result, err))
}

func (s *Server) fetchBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Jobs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	jobs := make([]fetch.Job, 0, len(req.Jobs))
	for _, jr := range req.Jobs {
		job, err := s.buildJob(jr)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "id generation failed"})
			return
		}
		jobs = append(jobs, job)
	}

	futures := s.engine.SubmitBatch(r.Context(), jobs, req.MaxConcurrency)
	out := make([]fetchResponse, len(futures))
	for i, f := range futures {
		out[i] = toResponse(jobs[i].ID, f.Result, f.Err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	type proxyView struct {
		Address     string  `json:"address"`
		Health      float64 `json:"health"`
		ConsecFails int     `json:"consecutive_failures"`
		LatencyMs   int64   `json:"latency_ms"`
	}
	records := s.pool.Snapshot()
	views := make([]proxyView, len(records))
	for i, rec := range records {
		views[i] = proxyView{
			Address:     rec.Address,
			Health:      rec.Health,
			ConsecFails: rec.ConsecFails,
			LatencyMs:   rec.LatencyEst.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": views})
}

func toResponse(jobID string, result fetch.Result, err error) fetchResponse {
	if err != nil {
		return fetchResponse{JobID: jobID, Error: err.Error()}
	}
	return fetchResponse{
		JobID:      jobID,
		Strategy:   result.Strategy,
		StatusCode: result.StatusCode,
		Fields:     result.Fields,
		FetchedAt:  result.FetchedAt,
		FromCache:  result.FromCache,
	}
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, fetch.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, fetch.ErrProxyUnavailable):
		return http.StatusServiceUnavailable
	case fetch.IsFatal(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
