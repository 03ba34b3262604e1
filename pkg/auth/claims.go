// Package auth provides JWT-based authentication for the query sandbox.
// Agent tokens are issued by the platform's identity service and validated
// against its JWKS endpoints.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// Claims is the JWT claims structure for sandbox callers. The subject is the
// agent identity; operator tokens additionally carry the operator role.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string   `json:"agt,omitempty"`   // Agent UUID
	UserID  string   `json:"uid,omitempty"`   // Human principal the agent acts for
	Roles   []string `json:"roles,omitempty"` // Caller roles (e.g. "operator")
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// AgentFromContext extracts the agent ID and user ID from JWT claims in
// context. Returns an error if not authenticated or the agent ID is missing
// or malformed.
func AgentFromContext(ctx context.Context) (uuid.UUID, string, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return uuid.Nil, "", fmt.Errorf("authentication required: no claims in context")
	}

	if claims.AgentID == "" {
		return uuid.Nil, "", fmt.Errorf("missing agent ID in JWT claims")
	}
	agentID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid agent ID format: %w", err)
	}

	return agentID, claims.UserID, nil
}
