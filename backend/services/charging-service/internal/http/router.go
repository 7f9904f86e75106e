package httpserver

import (
	"net/http"

	"chargeflow/backend/services/charging-service/internal/http/handlers"
	"chargeflow/backend/services/charging-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Sessions *handlers.SessionsHandlers
	Devices  *handlers.DevicesHandlers
	Health   http.HandlerFunc
	Metrics  http.Handler
	Tokens   middleware.TokenValidator
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	if deps.Health != nil {
		mux.Handle("/health", method(http.MethodGet, deps.Health))
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", method(http.MethodGet, deps.Metrics))
	}

	if deps.Devices != nil {
		mux.Handle("/devices", method(http.MethodGet, http.HandlerFunc(deps.Devices.List)))
		mux.Handle("/devices/{deviceID}", method(http.MethodGet, http.HandlerFunc(deps.Devices.Get)))
	}

	if deps.Sessions == nil {
		return mux
	}

	authenticated := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, middleware.AuthMiddleware(deps.Tokens))
	}
	optional := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, middleware.OptionalAuthMiddleware(deps.Tokens))
	}
	s := deps.Sessions

	mux.Handle("/payments/success", method(http.MethodPost, optional(s.Start)))
	mux.Handle("/sessions/start", method(http.MethodPost, optional(s.Start)))
	mux.Handle("/sessions/active", method(http.MethodGet, optional(s.Active)))
	mux.Handle("/sessions/me", method(http.MethodGet, authenticated(s.Me)))
	mux.Handle("/transactions/{transactionID}/session", method(http.MethodGet, http.HandlerFunc(s.ByTransaction)))
	mux.Handle("/sessions/{sessionID}", method(http.MethodGet, http.HandlerFunc(s.Get)))
	mux.Handle("/sessions/{sessionID}/stop", method(http.MethodPost, optional(s.Stop)))

	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
