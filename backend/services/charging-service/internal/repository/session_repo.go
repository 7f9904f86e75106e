package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chargeflow/backend/services/charging-service/internal/models"
)

const sessionColumns = `session_id, transaction_id, device_id, user_id, status, start_time, start_date,
	end_time, end_trigger, end_reason, amount_paid, energy_selected, energy_consumed, amount_used, created_at, updated_at`

// PostgresSessionLedger stores sessions in the charging_sessions table.
type PostgresSessionLedger struct {
	db *sql.DB
}

// NewPostgresSessionLedger returns repository.
func NewPostgresSessionLedger(db *sql.DB) *PostgresSessionLedger {
	return &PostgresSessionLedger{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s          models.Session
		endTime    sql.NullTime
		endTrigger sql.NullString
		endReason  sql.NullString
	)
	if err := row.Scan(
		&s.SessionID,
		&s.TransactionID,
		&s.DeviceID,
		&s.UserID,
		&s.Status,
		&s.StartTime,
		&s.StartDate,
		&endTime,
		&endTrigger,
		&endReason,
		&s.AmountPaid,
		&s.EnergySelected,
		&s.EnergyConsumed,
		&s.AmountUsed,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if endTime.Valid {
		t := endTime.Time.UTC()
		s.EndTime = &t
	}
	s.EndTrigger = endTrigger.String
	s.EndReason = endReason.String
	s.StartTime = s.StartTime.UTC()
	return &s, nil
}

// CreateSession inserts the session; every unique constraint is checked in the same statement.
func (r *PostgresSessionLedger) CreateSession(ctx context.Context, session *models.Session) (*models.Session, error) {
	const query = `
		INSERT INTO charging_sessions (session_id, transaction_id, device_id, user_id, status, start_time, start_date,
			amount_paid, energy_selected, energy_consumed, amount_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, NOW(), NOW())
		ON CONFLICT DO NOTHING
		RETURNING ` + sessionColumns

	created, err := scanSession(r.db.QueryRowContext(ctx, query,
		session.SessionID,
		session.TransactionID,
		session.DeviceID,
		session.UserID,
		models.SessionStatusActive,
		session.StartTime,
		session.StartDate,
		session.AmountPaid,
		session.EnergySelected,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return nil, r.classifyConflict(ctx, session)
}

func (r *PostgresSessionLedger) classifyConflict(ctx context.Context, session *models.Session) error {
	const query = `
		SELECT
			EXISTS (SELECT 1 FROM charging_sessions WHERE transaction_id = $1),
			EXISTS (SELECT 1 FROM charging_sessions WHERE session_id = $2)
	`
	var txnExists, idExists bool
	if err := r.db.QueryRowContext(ctx, query, session.TransactionID, session.SessionID).Scan(&txnExists, &idExists); err != nil {
		return fmt.Errorf("classify session conflict: %w", err)
	}
	switch {
	case txnExists:
		return ErrDuplicateTransaction
	case idExists:
		return ErrDuplicateSession
	default:
		return ErrActiveSessionExists
	}
}

// FindActiveSession returns the open session for the user and device.
func (r *PostgresSessionLedger) FindActiveSession(ctx context.Context, userID, deviceID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions
		WHERE user_id = $1 AND device_id = $2 AND end_time IS NULL
		ORDER BY start_time DESC LIMIT 1`
	return r.findOne(ctx, query, userID, deviceID)
}

// FindByTransaction looks a session up by payment reference.
func (r *PostgresSessionLedger) FindByTransaction(ctx context.Context, transactionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE transaction_id = $1`
	return r.findOne(ctx, query, transactionID)
}

// FindBySessionID looks a session up by id.
func (r *PostgresSessionLedger) FindBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE session_id = $1`
	return r.findOne(ctx, query, sessionID)
}

func (r *PostgresSessionLedger) findOne(ctx context.Context, query string, args ...any) (*models.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByUser returns the last N sessions of a user, newest first.
func (r *PostgresSessionLedger) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions
		WHERE user_id = $1
		ORDER BY start_time DESC
		LIMIT $2`
	return r.list(ctx, query, userID, limit)
}

// ListActive returns every open session.
func (r *PostgresSessionLedger) ListActive(ctx context.Context) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions
		WHERE end_time IS NULL
		ORDER BY start_time`
	return r.list(ctx, query)
}

func (r *PostgresSessionLedger) list(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateMetering raises energy_consumed and amount_used on an open session.
func (r *PostgresSessionLedger) UpdateMetering(ctx context.Context, sessionID string, energyConsumed, amountUsed float64) (*models.Session, error) {
	query := `
		UPDATE charging_sessions
		SET energy_consumed = GREATEST(energy_consumed, $2),
		    amount_used = GREATEST(amount_used, $3),
		    updated_at = NOW()
		WHERE session_id = $1 AND end_time IS NULL
		RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID, energyConsumed, amountUsed))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update metering: %w", err)
	}
	existing, err := r.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return existing, ErrSessionClosed
}

// CloseSession finalizes an open session.
func (r *PostgresSessionLedger) CloseSession(ctx context.Context, input CloseInput) (*models.Session, error) {
	query := `
		UPDATE charging_sessions
		SET end_time = $2,
		    end_trigger = $3,
		    status = $4,
		    energy_consumed = GREATEST(energy_consumed, $5),
		    amount_used = GREATEST(amount_used, $6),
		    end_reason = NULLIF($7, ''),
		    updated_at = NOW()
		WHERE session_id = $1 AND end_time IS NULL
		RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRowContext(ctx, query,
		input.SessionID,
		input.EndTime.UTC(),
		input.EndTrigger,
		models.SessionStatusCompleted,
		input.EnergyConsumed,
		input.AmountUsed,
		input.EndReason,
	))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("close session: %w", err)
	}
	existing, err := r.FindBySessionID(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	return existing, ErrSessionClosed
}
