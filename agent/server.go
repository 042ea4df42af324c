package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courius/sitepipe/ledger"
	"github.com/courius/sitepipe/pipeline"
)

// maxRequestBytes caps request bodies on every decoding endpoint. Task
// envelopes carry the full project payload plus review feedback and stay
// far below this.
const maxRequestBytes = 1 << 20 // 1MB

// Server is the HTTP surface: one invocation endpoint per agent plus
// the pipeline control endpoints clients and operators call.
type Server struct {
	registry     *Registry
	ledger       pipeline.Ledger
	guard        *pipeline.Guard
	transitioner *pipeline.Transitioner
	logger       *slog.Logger
	mux          *http.ServeMux
}

// NewServer wires the invocation handler and control routes.
func NewServer(registry *Registry, lg pipeline.Ledger, guard *pipeline.Guard, transitioner *pipeline.Transitioner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:     registry,
		ledger:       lg,
		guard:        guard,
		transitioner: transitioner,
		logger:       logger,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /tasks/{agent}", s.handleTask)
	s.mux.HandleFunc("POST /pipelines", s.handleStartPipeline)
	s.mux.HandleFunc("GET /pipelines/{id}", s.handleGetPipeline)
	s.mux.HandleFunc("POST /pipelines/stop", s.handleStop)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleStartPipeline creates a new run for the posted project and
// dispatches phase 1. Responds 202: the pipeline proceeds asynchronously
// and is observed through GET /pipelines/{id}.
func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	var project pipeline.Project
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&project); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project payload: "+err.Error())
		return
	}

	run, err := s.transitioner.StartPipeline(r.Context(), project)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidProject) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to start pipeline", "project_id", project.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start pipeline")
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// handleGetPipeline returns one run's ledger record.
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.ledger.GetPipelineRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pipeline run not found")
			return
		}
		s.logger.Error("Failed to load pipeline run", "pipeline_run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load pipeline run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type stopRequest struct {
	ProjectID string `json:"project_id"`
}

type stopResponse struct {
	Success       bool  `json:"success"`
	PipelinesRuns int64 `json:"pipeline_runs_cancelled"`
	AgentRuns     int64 `json:"agent_runs_cancelled"`
}

// handleStop is the administrative stop: bulk-cancel every active run
// and task for a project, or for all projects when project_id is empty.
// In-flight tasks notice at their next guard check.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid stop payload: "+err.Error())
			return
		}
	}

	runs, tasks, err := s.ledger.CancelActive(r.Context(), req.ProjectID)
	if err != nil {
		s.logger.Error("Failed to cancel active runs", "project_id", req.ProjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel active runs")
		return
	}

	writeJSON(w, http.StatusOK, stopResponse{
		Success:       true,
		PipelinesRuns: runs,
		AgentRuns:     tasks,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.registry.Names(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
