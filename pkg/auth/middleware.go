package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// RoleOperator marks tokens allowed to resolve approval checkpoints and
// manage schema maps.
const RoleOperator = "operator"

// Middleware provides HTTP authentication middleware. It is thin and
// delegates token validation to the TokenValidator.
type Middleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(validator TokenValidator, logger *zap.Logger) *Middleware {
	return &Middleware{
		validator: validator,
		logger:    logger,
	}
}

// RequireAgent validates the JWT and requires an agent identity.
// Sets claims and token in context for downstream handlers.
func (m *Middleware) RequireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.validateRequest(r)
		if err != nil {
			m.unauthorized(w, "Authentication required")
			return
		}

		if claims.AgentID == "" {
			m.badRequest(w, "Missing agent ID in token")
			return
		}

		next(w, r.WithContext(withClaims(r.Context(), claims, token)))
	}
}

// RequireOperator validates the JWT and requires the operator role.
// Use for checkpoint resolution and schema map management endpoints.
func (m *Middleware) RequireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.validateRequest(r)
		if err != nil {
			m.unauthorized(w, "Authentication required")
			return
		}

		if !claims.HasRole(RoleOperator) {
			m.logger.Warn("non-operator attempted to access operator endpoint",
				zap.String("subject", claims.Subject),
				zap.String("path", r.URL.Path))
			m.forbidden(w, "Operator authorization required")
			return
		}

		next(w, r.WithContext(withClaims(r.Context(), claims, token)))
	}
}

// validateRequest extracts and validates the bearer token.
func (m *Middleware) validateRequest(r *http.Request) (*Claims, string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, "", errMissingToken
	}

	claims, err := m.validator.ValidateToken(token)
	if err != nil {
		return nil, "", err
	}
	return claims, token, nil
}

var errMissingToken = &missingTokenError{}

type missingTokenError struct{}

func (*missingTokenError) Error() string { return "missing bearer token" }

func withClaims(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return context.WithValue(ctx, TokenKey, token)
}

// unauthorized returns a 401 response with JSON error body.
func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	writeAuthError(w, http.StatusUnauthorized, "unauthorized", message)
}

// badRequest returns a 400 response with JSON error body.
func (m *Middleware) badRequest(w http.ResponseWriter, message string) {
	writeAuthError(w, http.StatusBadRequest, "bad_request", message)
}

// forbidden returns a 403 response with JSON error body.
func (m *Middleware) forbidden(w http.ResponseWriter, message string) {
	writeAuthError(w, http.StatusForbidden, "forbidden", message)
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
