package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"chargeflow/backend/services/charging-service/internal/relay"
	"chargeflow/backend/services/charging-service/internal/repository"
	"chargeflow/backend/services/charging-service/internal/service"
	"chargeflow/backend/services/charging-service/internal/session"
	"chargeflow/backend/services/charging-service/internal/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicateTransaction),
		errors.Is(err, repository.ErrDuplicateSession),
		errors.Is(err, repository.ErrActiveSessionExists),
		errors.Is(err, repository.ErrSessionClosed),
		errors.Is(err, session.ErrStartInProgress),
		errors.Is(err, session.ErrNotCharging):
		return http.StatusConflict
	case errors.Is(err, relay.ErrRelayUnavailable),
		errors.Is(err, telemetry.ErrNotConnected),
		errors.Is(err, session.ErrPersistence),
		errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, message)
}
