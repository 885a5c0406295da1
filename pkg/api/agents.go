package api

import (
	"net/http"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// handleRegister registers an agent or refreshes an existing registration
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	machine, created, err := s.fleet.Registry.Register(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, machine)
}

// handleHeartbeat records an agent heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := decodeJSON(r, &hb); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hb.MachineID == "" {
		respondError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	if hb.Status != "" && !hb.Status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if !s.fleet.Registry.ApplyHeartbeat(r.Context(), hb) {
		respondJSON(w, http.StatusNotFound, map[string]bool{"acknowledged": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// handleGetCommands hands every queued command to the polling agent
func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.fleet.Registry.Get(id); !ok {
		respondError(w, http.StatusNotFound, "machine not found")
		return
	}

	cmds := s.fleet.Mailbox.Drain(id)
	if len(cmds) > 0 {
		log.Info().Str("machine_id", id).Int("commands", len(cmds)).Msg("Commands delivered")
	}
	respondJSON(w, http.StatusOK, cmds)
}

// handleProgress ingests an agent's deployment progress report
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var p models.DeploymentProgress
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.fleet.Orchestrator.ReportProgress(r.Context(), &p); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
