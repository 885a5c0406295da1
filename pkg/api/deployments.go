package api

import (
	"net/http"
	"strconv"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/auth"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/gorilla/mux"
)

const (
	defaultDeploymentLimit = 50
	maxDeploymentLimit     = 500
)

// handleCreateDeployment creates a deployment and optionally starts it
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req models.CreateDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := req.ToDeployment()
	d.CreatedBy = auth.Username(r)

	created, err := s.fleet.Orchestrator.Create(r.Context(), d)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// handleListDeployments lists deployments newest first
func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	phase := models.DeploymentPhase(query.Get("status"))
	if phase != "" && !phase.Valid() {
		respondError(w, http.StatusBadRequest, "invalid status")
		return
	}

	limit := defaultDeploymentLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxDeploymentLimit {
		limit = maxDeploymentLimit
	}

	respondJSON(w, http.StatusOK, s.fleet.Orchestrator.List(phase, limit))
}

// handleGetDeployment retrieves a deployment
func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.fleet.Orchestrator.Get(mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, d)
}

// handleDeploymentSummary returns the roll-up of a deployment's progress
func (s *Server) handleDeploymentSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.fleet.Orchestrator.Summary(mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// handleDeploymentProgress returns every per-machine progress record
func (s *Server) handleDeploymentProgress(w http.ResponseWriter, r *http.Request) {
	records, err := s.fleet.Orchestrator.Progress(mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, records)
}

// handleExecuteDeployment starts a pending deployment
func (s *Server) handleExecuteDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.fleet.Orchestrator.Trigger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, d)
}
