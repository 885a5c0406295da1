package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/auth"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/fleet"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/metrics"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/orchestrator"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/progress"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/registry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Server represents the API server
type Server struct {
	fleet    *fleet.Service
	auth     *auth.Authenticator
	router   *mux.Router
	config   Config
	upgrader websocket.Upgrader
}

// Config holds server configuration
type Config struct {
	AllowedOrigins []string
}

// New creates a new API server. A nil authenticator leaves the operator API open.
func New(svc *fleet.Service, authn *auth.Authenticator, config Config) *Server {
	s := &Server{
		fleet:  svc,
		auth:   authn,
		router: mux.NewRouter(),
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin

	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Agent routes
	agents := api.PathPrefix("/agents").Subrouter()
	agents.HandleFunc("/register", s.handleRegister).Methods("POST")
	agents.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	agents.HandleFunc("/{id}/commands", s.handleGetCommands).Methods("GET")
	agents.HandleFunc("/progress", s.handleProgress).Methods("POST")

	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")

	// Operator routes
	ops := api.NewRoute().Subrouter()
	if s.auth != nil {
		ops.Use(auth.AuthMiddleware(s.auth.JWT()))
	}
	ops.HandleFunc("/deployments", s.write(s.handleCreateDeployment)).Methods("POST")
	ops.HandleFunc("/deployments", s.handleListDeployments).Methods("GET")
	ops.HandleFunc("/deployments/{id}", s.handleGetDeployment).Methods("GET")
	ops.HandleFunc("/deployments/{id}/summary", s.handleDeploymentSummary).Methods("GET")
	ops.HandleFunc("/deployments/{id}/progress", s.handleDeploymentProgress).Methods("GET")
	ops.HandleFunc("/deployments/{id}/execute", s.write(s.handleExecuteDeployment)).Methods("POST")
	ops.HandleFunc("/machines", s.handleListMachines).Methods("GET")
	ops.HandleFunc("/machines/bulk", s.write(s.handleBulkUpdate)).Methods("POST")
	ops.HandleFunc("/machines/{id}", s.handleGetMachine).Methods("GET")
	ops.HandleFunc("/machines/{id}", s.write(s.handleDeleteMachine)).Methods("DELETE")
	ops.HandleFunc("/fleet/statistics", s.handleStatistics).Methods("GET")

	// Live observers
	ws := http.Handler(http.HandlerFunc(s.handleWebSocket))
	if s.auth != nil {
		ws = auth.OptionalAuthMiddleware(s.auth.JWT())(ws)
	}
	s.router.Handle("/ws", ws).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	s.router.Use(loggingMiddleware)
	s.router.Use(s.corsMiddleware)
}

// write restricts a handler to operators allowed to change fleet state
func (s *Server) write(h http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return h
	}
	return auth.RequireRole(models.RoleAdmin, models.RoleOperator)(h).ServeHTTP
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now().Format(time.RFC3339),
		"machines":  s.fleet.Registry.Count(),
		"observers": s.fleet.Broadcaster.ConnectionCount(),
	})
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps component errors to HTTP statuses
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrMachineNotFound),
		errors.Is(err, progress.ErrMachineNotFound):
		respondError(w, http.StatusNotFound, "machine not found")
	case errors.Is(err, orchestrator.ErrDeploymentNotFound):
		respondError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, orchestrator.ErrNotPending):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidDeployment),
		errors.Is(err, orchestrator.ErrInvalidProgress),
		errors.Is(err, registry.ErrInvalidRegistration):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled service error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusRecorder captures the response status for access logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := log.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.allowedOrigin(origin) != ""
}
