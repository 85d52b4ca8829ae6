// Package httpapi exposes the takeoff pipeline over HTTP: a JSON API under
// /v1, the XLSX export and the MCP streamable endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/planset/docpipe"
	"github.com/hazyhaar/planset/export"
	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/jobs"
	"github.com/hazyhaar/planset/pipeline"
)

// Config configures the handler.
type Config struct {
	Service *pipeline.Service
	// MCP is mounted at /mcp when set.
	MCP          *mcp.Server
	MaxBodyBytes int64
	RateLimit    RateLimit
	RequestIDs   idgen.Generator
	Logger       *slog.Logger
}

// Server holds the routes.
type Server struct {
	svc *pipeline.Service
	log *slog.Logger
}

// New builds the router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{svc: cfg.Service, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(HeadToGet)
	r.Use(RequestID(cfg.RequestIDs, cfg.Logger))
	r.Use(SecurityHeaders)
	r.Use(MaxBody(cfg.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(NewRateLimiter(cfg.RateLimit).Middleware)

		r.Post("/takeoff", s.handleStart)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Get("/jobs/{id}/result", s.handleResult)
		r.Get("/jobs/{id}/export", s.handleExport)
		r.Post("/jobs/{id}/cancel", s.handleCancel)

		r.Post("/plans", s.handleRegisterPlan)
		r.Post("/plans/{id}/ingest", s.handleIngest)
		r.Get("/plans/{id}/ingest", s.handleIngestStatus)
	})

	if cfg.MCP != nil {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return cfg.MCP }, nil)
		r.Handle("/mcp", h)
		r.Handle("/mcp/*", h)
	}
	return r, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.svc.Start(r.Context(), req)
	status := http.StatusOK
	if res.Failed() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if resp.Paused {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Result == nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, err := s.svc.Result(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if resp.Result == nil {
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="takeoff-%s.xlsx"`, id))
	if err := export.Write(w, *resp.Result, export.Options{Title: "Takeoff " + id, Logger: s.log}); err != nil {
		s.log.Error("httpapi: export failed", "job_id", id, "error", err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type registerPlanRequest struct {
	PlanID  string   `json:"plan_id,omitempty"`
	PDFURLs []string `json:"pdf_urls"`
	// Ingest runs ingestion before answering.
	Ingest bool `json:"ingest,omitempty"`
}

type registerPlanResponse struct {
	Plan   *jobs.Plan             `json:"plan"`
	Ingest *pipeline.IngestResult `json:"ingest,omitempty"`
}

func (s *Server) handleRegisterPlan(w http.ResponseWriter, r *http.Request) {
	var req registerPlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.RegisterPlan(r.Context(), req.PlanID, req.PDFURLs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := registerPlanResponse{Plan: p}
	if req.Ingest {
		res, err := s.svc.Ingest(r.Context(), p.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Ingest = res
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Ingest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.svc.IngestStatus(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no ingestion recorded for this plan"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("httpapi: request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, pipeline.ErrNoURLs):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, docpipe.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, docpipe.ErrUnreadable), errors.Is(err, docpipe.ErrNoText), errors.Is(err, jobs.ErrNoChunks):
		return http.StatusUnprocessableEntity
	case errors.Is(err, docpipe.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, jobs.ErrNoQueue):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error(), "time": time.Now().UTC().Format(time.RFC3339)})
}
