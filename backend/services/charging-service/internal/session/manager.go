package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chargeflow/backend/services/charging-service/internal/models"
	redisstore "chargeflow/backend/services/charging-service/internal/redis"
	"chargeflow/backend/services/charging-service/internal/relay"
	"chargeflow/backend/services/charging-service/internal/repository"
)

const cleanupTimeout = 10 * time.Second

// ErrShuttingDown is returned by Begin after Shutdown.
var ErrShuttingDown = errors.New("session manager shutting down")

// Channel is the process-wide telemetry resource shared by all machines.
type Channel interface {
	Telemetry
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	Watch(ctx context.Context, deviceID string) error
	Unwatch(ctx context.Context, deviceID string)
}

// ActiveCache mirrors open sessions and guards concurrent starts across instances.
type ActiveCache interface {
	Save(ctx context.Context, session redisstore.ActiveSession) error
	Delete(ctx context.Context, userID, deviceID string) error
	AcquireStart(ctx context.Context, transactionID string) (bool, error)
	ReleaseStart(ctx context.Context, transactionID string) error
}

type pairKey struct {
	userID   string
	deviceID string
}

// Manager owns one Machine per running session.
type Manager struct {
	ledger  repository.SessionLedger
	devices repository.DeviceStore
	channel Channel
	relay   Relay
	cache   ActiveCache
	cfg     Config
	logger  *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	bySession   map[string]*Machine
	byTxn       map[string]*Machine
	byPair      map[pairKey]*Machine
	pendingTxn  map[string]struct{}
	pendingPair map[pairKey]struct{}
}

// NewManager builds a manager. devices and cache may be nil.
func NewManager(
	ledger repository.SessionLedger,
	devices repository.DeviceStore,
	channel Channel,
	rel Relay,
	cache ActiveCache,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		ledger:      ledger,
		devices:     devices,
		channel:     channel,
		relay:       rel,
		cache:       cache,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		base:        base,
		cancel:      cancel,
		bySession:   make(map[string]*Machine),
		byTxn:       make(map[string]*Machine),
		byPair:      make(map[pairKey]*Machine),
		pendingTxn:  make(map[string]struct{}),
		pendingPair: make(map[pairKey]struct{}),
	}
}

// Begin starts or reconciles the session described by req.
func (mgr *Manager) Begin(ctx context.Context, req StartRequest) (*models.Session, Outcome, error) {
	if err := req.Validate(); err != nil {
		mgr.cfg.Metrics.SessionStarted("rejected")
		return nil, OutcomeCreated, err
	}
	pair := pairKey{userID: req.UserID, deviceID: req.DeviceID}

	if mgr.base.Err() != nil {
		return nil, OutcomeCreated, ErrShuttingDown
	}

	mgr.mu.Lock()
	if m := mgr.runningLocked(req.TransactionID, pair); m != nil {
		s, state := m.Snapshot()
		switch {
		case state != StateClosed:
			mgr.mu.Unlock()
			mgr.cfg.Metrics.SessionStarted(OutcomeReconciled.String())
			return s, OutcomeReconciled, nil
		case s.TransactionID == req.TransactionID:
			mgr.mu.Unlock()
			return s, OutcomeReconciled, repository.ErrSessionClosed
		}
	}
	_, txnBusy := mgr.pendingTxn[req.TransactionID]
	_, pairBusy := mgr.pendingPair[pair]
	if txnBusy || pairBusy {
		mgr.mu.Unlock()
		return nil, OutcomeCreated, ErrStartInProgress
	}
	mgr.pendingTxn[req.TransactionID] = struct{}{}
	mgr.pendingPair[pair] = struct{}{}
	mgr.mu.Unlock()

	defer func() {
		mgr.mu.Lock()
		delete(mgr.pendingTxn, req.TransactionID)
		delete(mgr.pendingPair, pair)
		mgr.mu.Unlock()
	}()

	if mgr.cache != nil {
		ok, err := mgr.cache.AcquireStart(ctx, req.TransactionID)
		switch {
		case err != nil:
			mgr.logger.Warn("start guard unavailable", zap.String("transaction_id", req.TransactionID), zap.Error(err))
		case !ok:
			return nil, OutcomeCreated, ErrStartInProgress
		default:
			defer func() {
				if err := mgr.cache.ReleaseStart(context.WithoutCancel(ctx), req.TransactionID); err != nil {
					mgr.logger.Warn("release start guard failed", zap.Error(err))
				}
			}()
		}
	}

	if err := mgr.channel.Acquire(ctx); err != nil {
		return nil, OutcomeCreated, err
	}
	if err := mgr.channel.Watch(ctx, req.DeviceID); err != nil {
		mgr.releaseChannel(req.DeviceID, false)
		return nil, OutcomeCreated, err
	}

	m := NewMachine(mgr.base, mgr.ledger, mgr.channel, mgr.relay, mgr.cfg, mgr.logger)
	s, outcome, err := m.Start(ctx, req)
	if err != nil {
		mgr.releaseChannel(req.DeviceID, true)
		mgr.cfg.Metrics.SessionStarted("rejected")
		return s, outcome, err
	}

	mgr.register(ctx, m, s)
	mgr.cfg.Metrics.SessionStarted(outcome.String())
	return s, outcome, nil
}

func (mgr *Manager) runningLocked(transactionID string, pair pairKey) *Machine {
	if m, ok := mgr.byTxn[transactionID]; ok {
		return m
	}
	if m, ok := mgr.byPair[pair]; ok {
		return m
	}
	return nil
}

func (mgr *Manager) register(ctx context.Context, m *Machine, s *models.Session) {
	pair := pairKey{userID: s.UserID, deviceID: s.DeviceID}

	mgr.mu.Lock()
	mgr.bySession[s.SessionID] = m
	mgr.byTxn[s.TransactionID] = m
	mgr.byPair[pair] = m
	mgr.mu.Unlock()

	if mgr.cache != nil {
		if err := mgr.cache.Save(ctx, redisstore.ActiveSession{
			SessionID:      s.SessionID,
			TransactionID:  s.TransactionID,
			DeviceID:       s.DeviceID,
			UserID:         s.UserID,
			StartTime:      s.StartTime,
			AmountPaid:     s.AmountPaid,
			EnergySelected: s.EnergySelected,
		}); err != nil {
			mgr.logger.Warn("failed to cache active session", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}
	mgr.setDeviceStatus(ctx, s.DeviceID, models.DeviceStatusOccupied)

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		select {
		case <-m.Done():
		case <-mgr.base.Done():
		}
		mgr.cleanup(m, s.SessionID, s.TransactionID, pair)
	}()
}

func (mgr *Manager) cleanup(m *Machine, sessionID, transactionID string, pair pairKey) {
	mgr.mu.Lock()
	if mgr.bySession[sessionID] == m {
		delete(mgr.bySession, sessionID)
	}
	if mgr.byTxn[transactionID] == m {
		delete(mgr.byTxn, transactionID)
	}
	if mgr.byPair[pair] == m {
		delete(mgr.byPair, pair)
	}
	mgr.mu.Unlock()

	closed := m.State() == StateClosed
	mgr.releaseChannel(pair.deviceID, true)
	if !closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if mgr.cache != nil {
		if err := mgr.cache.Delete(ctx, pair.userID, pair.deviceID); err != nil {
			mgr.logger.Warn("failed to delete active session cache", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	mgr.setDeviceStatus(ctx, pair.deviceID, models.DeviceStatusAvailable)
}

func (mgr *Manager) releaseChannel(deviceID string, watched bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if watched {
		mgr.channel.Unwatch(ctx, deviceID)
	}
	if err := mgr.channel.Release(ctx); err != nil {
		mgr.logger.Warn("telemetry release failed", zap.Error(err))
	}
}

func (mgr *Manager) setDeviceStatus(ctx context.Context, deviceID, status string) {
	if mgr.devices == nil {
		return
	}
	if err := mgr.devices.SetStatus(ctx, deviceID, status); err != nil {
		mgr.logger.Warn("device status not updated",
			zap.String("device_id", deviceID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// Stop ends a session. Sessions not run by this process are closed directly in the ledger
// after switching their relay off.
func (mgr *Manager) Stop(ctx context.Context, sessionID, trigger string) (*models.Session, error) {
	mgr.mu.Lock()
	m, ok := mgr.bySession[sessionID]
	mgr.mu.Unlock()
	if ok {
		return m.Stop(ctx, trigger)
	}

	s, err := mgr.ledger.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.IsActive() {
		return s, nil
	}

	if err := mgr.relay.Set(ctx, s.DeviceID, relay.StateOff); err != nil {
		mgr.logger.Error("relay off failed for unmanaged session", zap.String("session_id", sessionID), zap.Error(err))
		mgr.cfg.Metrics.RelayFault(string(relay.StateOff))
	}
	closed, err := mgr.ledger.CloseSession(ctx, repository.CloseInput{
		SessionID:      s.SessionID,
		EndTime:        mgr.cfg.Clock.Now(),
		EndTrigger:     trigger,
		EnergyConsumed: s.EnergyConsumed,
		AmountUsed:     s.AmountUsed,
	})
	if errors.Is(err, repository.ErrSessionClosed) && closed != nil {
		return closed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: close session: %v", ErrPersistence, err)
	}

	if mgr.cache != nil {
		if err := mgr.cache.Delete(ctx, closed.UserID, closed.DeviceID); err != nil {
			mgr.logger.Warn("failed to delete active session cache", zap.Error(err))
		}
	}
	mgr.setDeviceStatus(ctx, closed.DeviceID, models.DeviceStatusAvailable)
	mgr.cfg.Metrics.SessionClosed(closed.EndTrigger)
	return closed, nil
}

// Snapshot returns the live view of a running session.
func (mgr *Manager) Snapshot(sessionID string) (*models.Session, State, bool) {
	mgr.mu.Lock()
	m, ok := mgr.bySession[sessionID]
	mgr.mu.Unlock()
	if !ok {
		return nil, StateIdle, false
	}
	s, state := m.Snapshot()
	return s, state, true
}

// Active returns the running session for the user and device.
func (mgr *Manager) Active(userID, deviceID string) (*models.Session, bool) {
	mgr.mu.Lock()
	m, ok := mgr.byPair[pairKey{userID: userID, deviceID: deviceID}]
	mgr.mu.Unlock()
	if !ok {
		return nil, false
	}
	s, state := m.Snapshot()
	if state != StateCharging && state != StateStopping {
		return nil, false
	}
	return s, true
}

// Running returns the number of machines currently registered.
func (mgr *Manager) Running() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.bySession)
}

// Resume adopts every open session in the ledger. It is called once at startup.
func (mgr *Manager) Resume(ctx context.Context) (int, error) {
	open, err := mgr.ledger.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list active sessions: %v", ErrPersistence, err)
	}

	resumed := 0
	for _, s := range open {
		amountPaid, energySelected := s.AmountPaid, s.EnergySelected
		_, _, err := mgr.Begin(ctx, StartRequest{
			SessionID:      s.SessionID,
			TransactionID:  s.TransactionID,
			DeviceID:       s.DeviceID,
			UserID:         s.UserID,
			AmountPaid:     &amountPaid,
			EnergySelected: &energySelected,
			StartTime:      s.StartTime,
		})
		if err != nil {
			mgr.logger.Warn("session not resumed", zap.String("session_id", s.SessionID), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Shutdown stops every metering loop, leaving open sessions in the ledger, and waits for
// their resources to be released.
func (mgr *Manager) Shutdown(ctx context.Context) error {
	mgr.cancel()

	done := make(chan struct{})
	go func() {
		mgr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
