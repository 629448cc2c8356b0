// Package auth derives an authz.AuthContext from a bearer token carried on
// the WebSocket upgrade (C12, a SPEC_FULL.md ambient-stack addition).
// Grounded on go-server/internal/auth's JWTManager (HS256 claims with
// userId/role, Authorization-header extraction), generalized from that
// file's single role string into the hub's {userId, apiKeyId,
// workspaceIds, isAdmin} AuthContext shape.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odin-exchange/relay-hub/internal/authz"
)

// Claims is the JWT payload the hub expects from an upstream identity
// provider. WorkspaceIDs and Role drive the derived AuthContext.
type Claims struct {
	UserID       string   `json:"userId"`
	APIKeyID     string   `json:"apiKeyId,omitempty"`
	WorkspaceIDs []string `json:"workspaceIds,omitempty"`
	Role         string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// adminRole is the Claims.Role value that maps to AuthContext.IsAdmin.
const adminRole = "admin"

// Manager verifies and issues hub session tokens.
type Manager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewManager constructs a token manager from a shared HMAC secret.
func NewManager(secretKey string, tokenDuration time.Duration) *Manager {
	return &Manager{secretKey: []byte(secretKey), tokenDuration: tokenDuration}
}

// Generate issues a signed token. Used by tests; the hub's own request path
// only verifies tokens.
func (m *Manager) Generate(userID string, workspaceIDs []string, role string) (string, error) {
	claims := &Claims{
		UserID:       userID,
		WorkspaceIDs: workspaceIDs,
		Role:         role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "relay-hub",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates a token string and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// DeriveAuthContext converts verified claims into the hub's AuthContext.
func DeriveAuthContext(c *Claims) authz.AuthContext {
	workspaces := make(map[string]bool, len(c.WorkspaceIDs))
	for _, id := range c.WorkspaceIDs {
		workspaces[id] = true
	}
	return authz.AuthContext{
		UserID:       c.UserID,
		APIKeyID:     c.APIKeyID,
		WorkspaceIDs: workspaces,
		IsAdmin:      c.Role == adminRole,
	}
}

// ExtractBearerToken pulls the token out of a raw "Authorization" header
// value ("Bearer <token>"). Missing or malformed headers are reported as
// errors; the caller falls back to authz.Guest() in that case rather than
// rejecting the connection outright, per the hub's guest-by-default model.
func ExtractBearerToken(headerValue string) (string, error) {
	if headerValue == "" {
		return "", errors.New("authorization header missing")
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(headerValue, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimPrefix(headerValue, bearerPrefix), nil
}

// ResolveAuthContext derives an AuthContext from a raw Authorization header
// value, falling back to the guest context on any error (missing header,
// malformed token, expired signature) per DESIGN.md's Open Question (c)
// handling for reconnects with a stale/invalid token.
func (m *Manager) ResolveAuthContext(headerValue string) authz.AuthContext {
	token, err := ExtractBearerToken(headerValue)
	if err != nil {
		return authz.Guest()
	}
	claims, err := m.Verify(token)
	if err != nil {
		return authz.Guest()
	}
	return DeriveAuthContext(claims)
}
