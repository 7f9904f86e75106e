package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chargeflow/backend/services/charging-service/internal/service"
)

type contextKey string

const claimsKey contextKey = "claims"

var errNoToken = errors.New("missing authorization header")

// TokenValidator decodes bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*service.Claims, error)
}

// AuthMiddleware validates JWT tokens and stores their claims. Requests without a valid token are rejected.
func AuthMiddleware(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(tokens, r)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, withClaims(r, claims))
		})
	}
}

// OptionalAuthMiddleware resolves the user when a token is present and lets anonymous requests through.
// A token that is present but invalid is still rejected.
func OptionalAuthMiddleware(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(tokens, r)
			switch {
			case errors.Is(err, errNoToken):
				next.ServeHTTP(w, r)
			case err != nil:
				writeUnauthorized(w, err.Error())
			default:
				next.ServeHTTP(w, withClaims(r, claims))
			}
		})
	}
}

func authenticate(tokens TokenValidator, r *http.Request) (*service.Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errNoToken
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("invalid authorization header")
	}
	claims, err := tokens.ValidateToken(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func withClaims(r *http.Request, claims *service.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), claimsKey, claims))
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}` + "\n"))
}

// ClaimsFromContext retrieves the verified token claims from request context.
func ClaimsFromContext(ctx context.Context) (*service.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*service.Claims)
	return claims, ok && claims != nil
}

// UserIDFromContext retrieves userID from request context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	return claims.UserID, claims.UserID != ""
}

// Chain wraps handler with middlewares, the first one outermost.
func Chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
