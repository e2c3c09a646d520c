package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ChuLiYu/mesh-dispatch/internal/controller"
	"github.com/ChuLiYu/mesh-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/mesh-dispatch/internal/metrics"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// ProgressPath route of worker progress reports; {id} is the job id.
const ProgressPath = "/v1/jobs/{id}/progress"

// ProgressRequest body of a progress report
type ProgressRequest struct {
	Progress int `json:"progress"`
}

// ProgressResponse reply to a progress report
type ProgressResponse struct {
	JobID    string `json:"job_id"`
	Progress int    `json:"progress"`
	Changed  bool   `json:"changed"`
}

// WorkerHandler serves the HTTP API used by running worker processes.
type WorkerHandler struct {
	controller *controller.Controller
	gatherer   prometheus.Gatherer
}

// NewWorkerHandler creates a handler; gatherer backs /metrics.
func NewWorkerHandler(ctrl *controller.Controller, gatherer prometheus.Gatherer) *WorkerHandler {
	return &WorkerHandler{controller: ctrl, gatherer: gatherer}
}

// RegisterRoutes registers the worker-facing routes
func (h *WorkerHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc(ProgressPath, h.ReportProgress).Methods("POST")
	router.HandleFunc("/healthz", h.Health).Methods("GET")
	if h.gatherer != nil {
		router.Handle("/metrics", metrics.Handler(h.gatherer)).Methods("GET")
	}
}

// Router builds a router with every worker-facing route registered
func (h *WorkerHandler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// ReportProgress handles progress reports from worker processes
func (h *WorkerHandler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(mux.Vars(r)["id"])
	if !id.Valid() {
		http.Error(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debug("Failed to decode progress", "jobID", id, "error", err)
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	changed, err := h.controller.UpdateProgress(id, req.Progress)
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, jobmanager.ErrNotInProgress), errors.Is(err, jobmanager.ErrTerminal):
		http.Error(w, "Job not in progress", http.StatusConflict)
		return
	case err != nil:
		log.Error("Failed to update progress", "jobID", id, "error", err)
		http.Error(w, "Failed to update progress", http.StatusInternalServerError)
		return
	}

	st, _ := h.controller.Status(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ProgressResponse{
		JobID:    string(id),
		Progress: st.Progress,
		Changed:  changed,
	})
}

// Health reports the controller status
func (h *WorkerHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.controller.GetStatus())
}
