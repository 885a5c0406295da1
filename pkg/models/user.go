package models

import (
	"time"
)

// UserRole represents the role of an operator in the system
type UserRole string

const (
	RoleAdmin    UserRole = "admin"    // Full access to all resources
	RoleOperator UserRole = "operator" // Can create deployments and manage machines
	RoleViewer   UserRole = "viewer"   // Read-only access
)

// Valid reports whether r is a known role
func (r UserRole) Valid() bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleViewer
}

// Operator is the configured identity allowed to use the operator API
type Operator struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"` // Never expose in JSON
	Role         UserRole `json:"role"`
}

// LoginRequest represents an operator login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Role      UserRole  `json:"role"`
}
