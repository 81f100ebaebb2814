// Package api exposes Raceway's read-only query surface and event ingest
// endpoint over HTTP, grounded on net/http.ServeMux's Go 1.22+ method+path
// routing.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mode-7/raceway-server/internal/aggregate"
	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/ingest"
	"github.com/mode-7/raceway-server/internal/query"
)

// Server is Raceway's HTTP API: ingest plus every read-only query.
type Server struct {
	mux      *http.ServeMux
	pipeline *ingest.Pipeline
	query    *query.Service
	log      *slog.Logger
}

// New creates a Server and registers all routes.
func New(pipeline *ingest.Pipeline, q *query.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{mux: http.NewServeMux(), pipeline: pipeline, query: q, log: log}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /events", s.handleIngest)
	s.mux.HandleFunc("GET /api/traces", s.handleListTraces)
	s.mux.HandleFunc("GET /api/traces/{trace_id}", s.handleGetTrace)
	s.mux.HandleFunc("GET /api/traces/{trace_id}/races", s.handleRaces)
	s.mux.HandleFunc("GET /api/traces/{trace_id}/critical-path", s.handleCriticalPath)
	s.mux.HandleFunc("GET /api/traces/{trace_id}/anomalies", s.handleAnomalies)
	s.mux.HandleFunc("GET /api/traces/{trace_id}/audit", s.handleAudit)
	s.mux.HandleFunc("GET /api/hotspots", s.handleHotspots)
	s.mux.HandleFunc("GET /api/services/health", s.handleServiceHealth)
	s.mux.HandleFunc("GET /api/metrics/performance", s.handlePerformance)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rejection struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

type ingestResponse struct {
	Success  bool        `json:"success"`
	Count    int         `json:"count"`
	Rejected []rejection `json:"rejected,omitempty"`
}

// handleIngest handles POST /events: body {"events": [...]}.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var batch event.EventBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	result := s.pipeline.Ingest(batch)

	resp := ingestResponse{Success: true, Count: result.Accepted}
	for _, rej := range result.Rejected {
		resp.Rejected = append(resp.Rejected, rejection{EventID: rej.EventID, Error: rej.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	size := intQuery(r, "size", 50)
	s.writeEnvelope(w, s.query.ListTraces(r.Context(), page, size))
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.query.GetTrace(r.Context(), r.PathValue("trace_id")))
}

func (s *Server) handleRaces(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.query.Races(r.Context(), r.PathValue("trace_id")))
}

func (s *Server) handleCriticalPath(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.query.CriticalPath(r.Context(), r.PathValue("trace_id")))
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	k := floatQuery(r, "k", aggregate.DefaultSigmaK)
	s.writeEnvelope(w, s.query.Anomalies(r.Context(), r.PathValue("trace_id"), k))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	variable := r.URL.Query().Get("variable")
	if variable == "" {
		writeError(w, http.StatusBadRequest, "missing required query parameter: variable")
		return
	}
	s.writeEnvelope(w, s.query.Audit(r.Context(), r.PathValue("trace_id"), variable))
}

func (s *Server) handleHotspots(w http.ResponseWriter, r *http.Request) {
	window := durationQuery(r, "window", 0)
	topN := intQuery(r, "top", 10)
	s.writeEnvelope(w, s.query.Hotspots(r.Context(), time.Now(), window, topN))
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.query.ServiceHealth(r.Context(), time.Now()))
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	sample := intQuery(r, "sample", 100)
	window := durationQuery(r, "window", time.Minute)
	s.writeEnvelope(w, s.query.Performance(r.Context(), time.Now(), sample, window))
}

// writeEnvelope maps a query.Envelope onto an HTTP status and writes it.
func (s *Server) writeEnvelope(w http.ResponseWriter, env query.Envelope) {
	status := http.StatusOK
	if !env.Success {
		switch {
		case errors.Is(errorOf(env), event.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(errorOf(env), event.ErrTimeout):
			status = http.StatusRequestTimeout
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, env)
}

// errorOf reconstructs a comparable sentinel error from env.Error for
// errors.Is matching against the well-known sentinels; any other message
// falls through to the default 500 classification.
func errorOf(env query.Envelope) error {
	switch env.Error {
	case event.ErrNotFound.Error():
		return event.ErrNotFound
	case event.ErrTimeout.Error():
		return event.ErrTimeout
	default:
		return errors.New(env.Error)
	}
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatQuery(r *http.Request, key string, def float64) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func durationQuery(r *http.Request, key string, def time.Duration) time.Duration {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	minutes, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(minutes) * time.Minute
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
