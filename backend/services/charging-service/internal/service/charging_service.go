package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chargeflow/backend/services/charging-service/internal/models"
	redisstore "chargeflow/backend/services/charging-service/internal/redis"
	"chargeflow/backend/services/charging-service/internal/repository"
	"chargeflow/backend/services/charging-service/internal/session"
	"chargeflow/backend/services/charging-service/internal/telemetry"
)

const historyLimit = 50

// ErrForbidden is returned when a user acts on another user's session.
var ErrForbidden = errors.New("session belongs to another user")

// ErrUnauthorized is returned when an anonymous caller acts on a session that has an owner.
var ErrUnauthorized = errors.New("authentication required")

// SessionRunner is the part of the session manager the service drives.
type SessionRunner interface {
	Begin(ctx context.Context, req session.StartRequest) (*models.Session, session.Outcome, error)
	Stop(ctx context.Context, sessionID, trigger string) (*models.Session, error)
	Snapshot(sessionID string) (*models.Session, session.State, bool)
	Active(userID, deviceID string) (*models.Session, bool)
}

// ActiveLookup reads the active session cache.
type ActiveLookup interface {
	Get(ctx context.Context, userID, deviceID string) (*redisstore.ActiveSession, error)
}

// Readings exposes live device telemetry.
type Readings interface {
	Latest(deviceID string) (telemetry.Reading, bool)
	Status(deviceID string) (string, bool)
}

// PaymentInput is a confirmed payment that should start charging.
type PaymentInput struct {
	SessionID      string
	TransactionID  string
	DeviceID       string
	UserID         string
	AmountPaid     *float64
	EnergySelected *float64
	StartTime      time.Time
}

// SessionView is a session plus the state of its running machine, if any.
type SessionView struct {
	*models.Session
	State string `json:"state"`
}

// History splits a user's sessions into open and closed ones.
type History struct {
	Active []models.Session `json:"active"`
	Past   []models.Session `json:"past"`
}

// ChargingService ties the session manager, the ledger and the device registry.
type ChargingService struct {
	runner   SessionRunner
	ledger   repository.SessionLedger
	devices  repository.DeviceStore
	cache    ActiveLookup
	readings Readings
	logger   *zap.Logger
}

// NewChargingService builds service. devices and cache may be nil.
func NewChargingService(
	runner SessionRunner,
	ledger repository.SessionLedger,
	devices repository.DeviceStore,
	cache ActiveLookup,
	logger *zap.Logger,
) *ChargingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChargingService{
		runner:  runner,
		ledger:  ledger,
		devices: devices,
		cache:   cache,
		logger:  logger,
	}
}

// StartFromPayment starts, or reconciles, the session paid for by input.
func (s *ChargingService) StartFromPayment(ctx context.Context, input PaymentInput) (*models.Session, session.Outcome, error) {
	req := session.StartRequest{
		SessionID:      input.SessionID,
		TransactionID:  input.TransactionID,
		DeviceID:       input.DeviceID,
		UserID:         input.UserID,
		AmountPaid:     input.AmountPaid,
		EnergySelected: input.EnergySelected,
		StartTime:      input.StartTime,
	}
	if err := req.Validate(); err != nil {
		return nil, session.OutcomeCreated, err
	}

	if s.devices != nil {
		if _, err := s.devices.Get(ctx, input.DeviceID); err != nil {
			return nil, session.OutcomeCreated, err
		}
	}

	started, outcome, err := s.runner.Begin(ctx, req)
	if err != nil {
		return nil, outcome, err
	}
	s.logger.Info("payment processed",
		zap.String("transaction_id", input.TransactionID),
		zap.String("session_id", started.SessionID),
		zap.String("outcome", outcome.String()),
	)
	return started, outcome, nil
}

// StopSession ends a session manually on behalf of caller. Sessions with an owner can only be
// stopped by that owner or an operator; anonymous sessions can be stopped by anyone.
func (s *ChargingService) StopSession(ctx context.Context, caller Caller, sessionID string) (*models.Session, error) {
	current, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := caller.owns(current.UserID); err != nil {
		return nil, err
	}
	return s.runner.Stop(ctx, sessionID, models.EndTriggerManual)
}

// GetSession returns the live view of a running session, or the ledger record otherwise.
func (s *ChargingService) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	if snapshot, state, ok := s.runner.Snapshot(sessionID); ok {
		return &SessionView{Session: snapshot, State: state.String()}, nil
	}
	stored, err := s.ledger.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: stored, State: ledgerState(stored)}, nil
}

// GetByTransaction looks a session up by its payment reference.
func (s *ChargingService) GetByTransaction(ctx context.Context, transactionID string) (*SessionView, error) {
	stored, err := s.ledger.FindByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, stored.SessionID)
}

// ActiveSession returns the open session of the user on the device.
func (s *ChargingService) ActiveSession(ctx context.Context, userID, deviceID string) (*models.Session, error) {
	if running, ok := s.runner.Active(userID, deviceID); ok {
		return running, nil
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, userID, deviceID)
		switch {
		case err == nil:
			stored, err := s.ledger.FindBySessionID(ctx, cached.SessionID)
			if err == nil && stored.IsActive() {
				return stored, nil
			}
		case !errors.Is(err, redisstore.ErrCacheMiss):
			s.logger.Warn("active session cache lookup failed", zap.Error(err))
		}
	}

	return s.ledger.FindActiveSession(ctx, userID, deviceID)
}

// UserSessions returns the recent sessions of userID split by state.
func (s *ChargingService) UserSessions(ctx context.Context, userID string) (*History, error) {
	sessions, err := s.ledger.ListByUser(ctx, userID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	history := &History{Active: []models.Session{}, Past: []models.Session{}}
	for _, stored := range sessions {
		if !stored.IsActive() {
			history.Past = append(history.Past, stored)
			continue
		}
		if running, _, ok := s.runner.Snapshot(stored.SessionID); ok {
			stored = *running
		}
		history.Active = append(history.Active, stored)
	}
	return history, nil
}

// ListDevices returns every registered device.
func (s *ChargingService) ListDevices(ctx context.Context) ([]models.Device, error) {
	if s.devices == nil {
		return []models.Device{}, nil
	}
	return s.devices.List(ctx)
}

// GetDevice returns one device.
func (s *ChargingService) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if s.devices == nil {
		return nil, repository.ErrDeviceNotFound
	}
	return s.devices.Get(ctx, deviceID)
}

// WithReadings attaches live telemetry to device lookups.
func (s *ChargingService) WithReadings(r Readings) *ChargingService {
	s.readings = r
	return s
}

// Live returns the latest telemetry of a watched device.
func (s *ChargingService) Live(deviceID string) (*telemetry.Reading, bool) {
	if s.readings == nil {
		return nil, false
	}
	if reading, ok := s.readings.Latest(deviceID); ok {
		return &reading, true
	}
	if status, ok := s.readings.Status(deviceID); ok {
		return &telemetry.Reading{Status: status}, true
	}
	return nil, false
}

func ledgerState(s *models.Session) string {
	if s.IsActive() {
		return "detached"
	}
	return session.StateClosed.String()
}
