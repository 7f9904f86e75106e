package repository

import (
	"context"
	"errors"
	"time"

	"chargeflow/backend/services/charging-service/internal/models"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionClosed        = errors.New("session already closed")
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	ErrDuplicateSession     = errors.New("session id already recorded")
	ErrActiveSessionExists  = errors.New("active session already exists for user and device")
	ErrDeviceNotFound       = errors.New("device not found")
)

const defaultHistoryLimit = 50

// CloseInput finalizes a session together with its last metering values.
type CloseInput struct {
	SessionID      string
	EndTime        time.Time
	EndTrigger     string
	EndReason      string
	EnergyConsumed float64
	AmountUsed     float64
}

// SessionLedger is the durable store of charging sessions.
type SessionLedger interface {
	// CreateSession inserts a new open session. It fails without touching the existing record
	// when the transaction, the session id, or an open session for the same user and device
	// is already recorded.
	CreateSession(ctx context.Context, session *models.Session) (*models.Session, error)
	FindActiveSession(ctx context.Context, userID, deviceID string) (*models.Session, error)
	FindByTransaction(ctx context.Context, transactionID string) (*models.Session, error)
	FindBySessionID(ctx context.Context, sessionID string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
	ListActive(ctx context.Context) ([]models.Session, error)
	// UpdateMetering raises the stored energy and amount. Lower values never overwrite higher ones.
	UpdateMetering(ctx context.Context, sessionID string, energyConsumed, amountUsed float64) (*models.Session, error)
	// CloseSession sets the end time and trigger. A second close returns the stored record with
	// ErrSessionClosed.
	CloseSession(ctx context.Context, input CloseInput) (*models.Session, error)
}
