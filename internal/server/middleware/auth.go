// Package middleware provides HTTP middleware for operator authentication.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// operatorKey is the context key for storing the authenticated operator.
const operatorKey ContextKey = "operator"

// accessTokenParam carries the token for clients that cannot set headers,
// such as browser EventSource.
const accessTokenParam = "access_token"

// TokenValidator is an interface for validating JWT tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (OperatorGetter, error)
}

// OperatorGetter extracts the operator name from token claims.
type OperatorGetter interface {
	Operator() string
}

// AuthMiddleware creates middleware that validates bearer tokens and adds the
// operator to the request context.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Operator())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter on GET requests.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if r.Method != http.MethodGet {
			return "", false
		}
		token := strings.TrimSpace(r.URL.Query().Get(accessTokenParam))
		return token, token != ""
	}

	// Handle case-insensitive "Bearer" prefix
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// GetOperator extracts the authenticated operator from the request context.
func GetOperator(r *http.Request) (string, error) {
	operator, ok := r.Context().Value(operatorKey).(string)
	if !ok || operator == "" {
		return "", fmt.Errorf("operator not found in request context")
	}
	return operator, nil
}

// OperatorKey returns the context key for the operator (for testing purposes).
func OperatorKey() ContextKey {
	return operatorKey
}
