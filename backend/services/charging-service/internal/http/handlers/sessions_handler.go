package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"chargeflow/backend/services/charging-service/internal/http/middleware"
	"chargeflow/backend/services/charging-service/internal/service"
	"chargeflow/backend/services/charging-service/internal/session"
)

// SessionsHandlers serves the session endpoints.
type SessionsHandlers struct {
	svc    *service.ChargingService
	logger *zap.Logger
}

// NewSessionsHandlers builds handler set.
func NewSessionsHandlers(svc *service.ChargingService, logger *zap.Logger) *SessionsHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionsHandlers{svc: svc, logger: logger}
}

type paymentRequest struct {
	SessionID      string    `json:"session_id"`
	TransactionID  string    `json:"transaction_id"`
	DeviceID       string    `json:"device_id"`
	UserID         string    `json:"user_id"`
	AmountPaid     *float64  `json:"amount_paid"`
	EnergySelected *float64  `json:"energy_selected"`
	StartTime      time.Time `json:"start_time"`
}

// Start handles POST /payments/success and POST /sessions/start.
func (h *SessionsHandlers) Start(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if tokenUser, ok := middleware.UserIDFromContext(r.Context()); ok {
		userID = tokenUser
	}

	s, outcome, err := h.svc.StartFromPayment(r.Context(), service.PaymentInput{
		SessionID:      strings.TrimSpace(req.SessionID),
		TransactionID:  strings.TrimSpace(req.TransactionID),
		DeviceID:       strings.TrimSpace(req.DeviceID),
		UserID:         userID,
		AmountPaid:     req.AmountPaid,
		EnergySelected: req.EnergySelected,
		StartTime:      req.StartTime,
	})
	if err != nil {
		h.logger.Warn("start session failed",
			zap.String("transaction_id", req.TransactionID),
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome == session.OutcomeReconciled {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"outcome": outcome.String(),
		"session": s,
	})
}

// Stop handles POST /sessions/{sessionID}/stop.
func (h *SessionsHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	var caller service.Caller
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		caller = claims.Caller()
	}

	s, err := h.svc.StopSession(r.Context(), caller, sessionID)
	if err != nil {
		h.logger.Warn("stop session failed", zap.String("session_id", sessionID), zap.Error(err))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": s})
}

// Get handles GET /sessions/{sessionID}.
func (h *SessionsHandlers) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetSession(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": view})
}

// ByTransaction handles GET /transactions/{transactionID}/session.
func (h *SessionsHandlers) ByTransaction(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetByTransaction(r.Context(), r.PathValue("transactionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": view})
}

// Active handles GET /sessions/active?device_id=.
func (h *SessionsHandlers) Active(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	userID, _ := middleware.UserIDFromContext(r.Context())

	s, err := h.svc.ActiveSession(r.Context(), userID, deviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": s})
}

// Me handles GET /sessions/me.
func (h *SessionsHandlers) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	history, err := h.svc.UserSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to fetch sessions", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch sessions")
		return
	}
	writeJSON(w, http.StatusOK, history)
}
