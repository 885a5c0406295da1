package api

import (
	"net/http"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/gorilla/mux"
)

// handleListMachines lists machines, filtered by ?status=, ?group= and ?tag=.
// group and tag may repeat and match any of the given values.
func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := models.MachineFilter{
		Status: models.MachineStatus(query.Get("status")),
		Groups: query["group"],
		Tags:   query["tag"],
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid status")
		return
	}

	respondJSON(w, http.StatusOK, s.fleet.Registry.List(filter))
}

// handleGetMachine retrieves a single machine
func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machine, ok := s.fleet.Registry.Get(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "machine not found")
		return
	}

	respondJSON(w, http.StatusOK, machine)
}

// handleDeleteMachine deletes a machine
func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	if !s.fleet.DeleteMachine(r.Context(), mux.Vars(r)["id"]) {
		respondError(w, http.StatusNotFound, "machine not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleBulkUpdate adds and removes groups and tags on many machines
func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req models.BulkTagRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.MachineIDs) == 0 {
		respondError(w, http.StatusBadRequest, "machine_ids is required")
		return
	}
	if req.Empty() {
		respondError(w, http.StatusBadRequest, "no group or tag changes given")
		return
	}

	updated := s.fleet.Registry.BulkUpdateGroupsTags(r.Context(), req)
	respondJSON(w, http.StatusOK, models.BulkOperationResult{
		TotalCount:   len(req.MachineIDs),
		UpdatedCount: updated,
	})
}

// handleStatistics returns fleet-wide statistics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.fleet.Statistics())
}
