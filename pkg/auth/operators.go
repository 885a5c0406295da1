package auth

import (
	"errors"
	"fmt"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password
var ErrInvalidCredentials = errors.New("invalid username or password")

// Authenticator checks operator passwords against configured bcrypt hashes and
// issues tokens
type Authenticator struct {
	operators map[string]*models.Operator
	jwt       *JWTManager
}

// NewAuthenticator creates an authenticator for a fixed set of operators
func NewAuthenticator(jwtManager *JWTManager, operators []*models.Operator) *Authenticator {
	a := &Authenticator{
		operators: make(map[string]*models.Operator, len(operators)),
		jwt:       jwtManager,
	}
	for _, op := range operators {
		a.operators[op.Username] = op
	}
	return a
}

// JWT returns the token manager
func (a *Authenticator) JWT() *JWTManager {
	return a.jwt
}

// Login verifies the credentials and returns a signed token
func (a *Authenticator) Login(req models.LoginRequest) (*models.LoginResponse, error) {
	op, ok := a.operators[req.Username]
	if !ok {
		// keep timing uniform for unknown users
		bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwt.GenerateToken(op)
	if err != nil {
		return nil, err
	}

	return &models.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Username:  op.Username,
		Role:      op.Role,
	}, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("fleet-orchestrator"), bcrypt.MinCost)

// HashPassword returns the bcrypt hash stored in operator configuration
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
