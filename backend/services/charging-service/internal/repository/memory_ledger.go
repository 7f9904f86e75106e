package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"chargeflow/backend/services/charging-service/internal/models"
)

// MemorySessionLedger keeps sessions in process memory.
type MemorySessionLedger struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	byTxn    map[string]string
}

// NewMemorySessionLedger returns an empty in-memory ledger.
func NewMemorySessionLedger() *MemorySessionLedger {
	return &MemorySessionLedger{
		sessions: make(map[string]*models.Session),
		byTxn:    make(map[string]string),
	}
}

func (l *MemorySessionLedger) CreateSession(_ context.Context, session *models.Session) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byTxn[session.TransactionID]; ok {
		return nil, ErrDuplicateTransaction
	}
	if _, ok := l.sessions[session.SessionID]; ok {
		return nil, ErrDuplicateSession
	}
	if l.activeLocked(session.UserID, session.DeviceID) != nil {
		return nil, ErrActiveSessionExists
	}

	now := time.Now().UTC()
	stored := session.Clone()
	stored.Status = models.SessionStatusActive
	stored.StartTime = stored.StartTime.UTC()
	stored.EndTime = nil
	stored.EndTrigger = ""
	stored.EndReason = ""
	stored.EnergyConsumed = 0
	stored.AmountUsed = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now

	l.sessions[stored.SessionID] = stored
	l.byTxn[stored.TransactionID] = stored.SessionID
	return stored.Clone(), nil
}

func (l *MemorySessionLedger) activeLocked(userID, deviceID string) *models.Session {
	var found *models.Session
	for _, s := range l.sessions {
		if s.UserID != userID || s.DeviceID != deviceID || !s.IsActive() {
			continue
		}
		if found == nil || s.StartTime.After(found.StartTime) {
			found = s
		}
	}
	return found
}

func (l *MemorySessionLedger) FindActiveSession(_ context.Context, userID, deviceID string) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.activeLocked(userID, deviceID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (l *MemorySessionLedger) FindByTransaction(_ context.Context, transactionID string) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byTxn[transactionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return l.sessions[id].Clone(), nil
}

func (l *MemorySessionLedger) FindBySessionID(_ context.Context, sessionID string) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (l *MemorySessionLedger) ListByUser(_ context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.Session
	for _, s := range l.sessions {
		if s.UserID == userID {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemorySessionLedger) ListActive(_ context.Context) ([]models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.Session
	for _, s := range l.sessions {
		if s.IsActive() {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (l *MemorySessionLedger) UpdateMetering(_ context.Context, sessionID string, energyConsumed, amountUsed float64) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.IsActive() {
		return s.Clone(), ErrSessionClosed
	}
	s.EnergyConsumed = max(s.EnergyConsumed, energyConsumed)
	s.AmountUsed = max(s.AmountUsed, amountUsed)
	s.UpdatedAt = time.Now().UTC()
	return s.Clone(), nil
}

func (l *MemorySessionLedger) CloseSession(_ context.Context, input CloseInput) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[input.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.IsActive() {
		return s.Clone(), ErrSessionClosed
	}
	end := input.EndTime.UTC()
	s.EndTime = &end
	s.EndTrigger = input.EndTrigger
	s.EndReason = input.EndReason
	s.Status = models.SessionStatusCompleted
	s.EnergyConsumed = max(s.EnergyConsumed, input.EnergyConsumed)
	s.AmountUsed = max(s.AmountUsed, input.AmountUsed)
	s.UpdatedAt = time.Now().UTC()
	return s.Clone(), nil
}
