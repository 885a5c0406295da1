package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenExpiry applies when no expiry is configured
	DefaultTokenExpiry = 24 * time.Hour

	tokenIssuer = "fleet-orchestrator"
)

// ErrInvalidToken is returned for tokens that are malformed, expired or signed
// with another key
var ErrInvalidToken = errors.New("invalid token")

// JWTManager issues and checks HS256 operator tokens
type JWTManager struct {
	secretKey   []byte
	tokenExpiry time.Duration
}

// Claims identifies an operator and the role they act with
type Claims struct {
	Username string          `json:"username"`
	Role     models.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a manager signing with secretKey. A zero expiry uses
// DefaultTokenExpiry.
func NewJWTManager(secretKey string, expiry time.Duration) *JWTManager {
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}
	return &JWTManager{secretKey: []byte(secretKey), tokenExpiry: expiry}
}

// GenerateToken signs a token for op and returns it with its expiry
func (m *JWTManager) GenerateToken(op *models.Operator) (string, time.Time, error) {
	issuedAt := time.Now()
	expiresAt := issuedAt.Add(m.tokenExpiry)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username: op.Username,
		Role:     op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   op.Username,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies signature, issuer and lifetime and returns the claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return m.secretKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}
