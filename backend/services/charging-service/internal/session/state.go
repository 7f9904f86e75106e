package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"chargeflow/backend/libs/clock"
	"chargeflow/backend/services/charging-service/internal/metering"
	"chargeflow/backend/services/charging-service/internal/metrics"
	"chargeflow/backend/services/charging-service/internal/relay"
	"chargeflow/backend/services/charging-service/internal/telemetry"
)

var (
	ErrValidation      = errors.New("invalid start request")
	ErrNotCharging     = errors.New("session is not charging")
	ErrAlreadyStarted  = errors.New("machine already started")
	ErrPersistence     = errors.New("ledger unavailable")
	ErrStartInProgress = errors.New("start already in progress for transaction")
)

// State is a position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateReconciling
	StateStarting
	StateCharging
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconciling:
		return "reconciling"
	case StateStarting:
		return "starting"
	case StateCharging:
		return "charging"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome tells a caller whether Start created a session or adopted an open one.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeReconciled
)

func (o Outcome) String() string {
	if o == OutcomeReconciled {
		return "reconciled"
	}
	return "created"
}

// StartRequest carries the payment confirmation. AmountPaid and EnergySelected are pointers
// so an omitted value can be told apart from zero.
type StartRequest struct {
	SessionID      string
	TransactionID  string
	DeviceID       string
	UserID         string
	AmountPaid     *float64
	EnergySelected *float64
	StartTime      time.Time
}

// Validate checks the required fields.
func (r StartRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.TransactionID) == "" {
		missing = append(missing, "transaction_id")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		missing = append(missing, "device_id")
	}
	if r.AmountPaid == nil {
		missing = append(missing, "amount_paid")
	}
	if r.EnergySelected == nil {
		missing = append(missing, "energy_selected")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	if *r.AmountPaid <= 0 {
		return &ValidationError{Fields: []string{"amount_paid"}, Reason: "must be positive"}
	}
	if *r.EnergySelected < 0 {
		return &ValidationError{Fields: []string{"energy_selected"}, Reason: "must not be negative"}
	}
	return nil
}

// ValidationError lists the offending fields. It matches ErrValidation.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "required"
	}
	return "invalid start request: " + strings.Join(e.Fields, ", ") + " " + reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Telemetry supplies the latest device readings.
type Telemetry interface {
	Latest(deviceID string) (telemetry.Reading, bool)
}

// Relay switches device power.
type Relay interface {
	Set(ctx context.Context, deviceID string, state relay.State) error
}

// Config tunes machines.
type Config struct {
	Engine          metering.Engine
	TickInterval    time.Duration
	PersistAttempts int
	CloseAttempts   int
	RetryDelay      time.Duration
	StopTimeout     time.Duration
	Location        *time.Location
	Clock           clock.Clock
	Metrics         *metrics.Metrics
	NewSessionID    func() string
}

func (c Config) withDefaults() Config {
	if c.Engine.Tariff <= 0 {
		c.Engine = metering.NewEngine(0, c.Engine.Mode)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = metering.DefaultTickInterval
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.CloseAttempts <= 0 {
		c.CloseAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.NewSessionID == nil {
		c.NewSessionID = newSessionID
	}
	return c
}
