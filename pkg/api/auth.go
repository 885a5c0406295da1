package api

import (
	"errors"
	"net/http"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/auth"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

// handleLogin exchanges operator credentials for a token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		respondError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req models.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	resp, err := s.auth.Login(req)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		log.Warn().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("Failed login")
		respondError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue token")
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	log.Info().Str("username", resp.Username).Str("role", string(resp.Role)).Msg("Operator logged in")
	respondJSON(w, http.StatusOK, resp)
}
