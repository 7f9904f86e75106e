package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chargeflow/backend/libs/clock"
	"chargeflow/backend/services/charging-service/internal/metering"
	"chargeflow/backend/services/charging-service/internal/models"
	"chargeflow/backend/services/charging-service/internal/relay"
	"chargeflow/backend/services/charging-service/internal/repository"
)

// maxAutoStopInterval caps the delay between attempts to close an exhausted session.
const maxAutoStopInterval = time.Minute

func newSessionID() string {
	return "session_" + uuid.NewString()
}

// Machine drives one charging session from payment confirmation to close.
// All state changes happen under mu; ticks and stops never interleave.
type Machine struct {
	cfg       Config
	ledger    repository.SessionLedger
	telemetry Telemetry
	relay     Relay
	logger    *zap.Logger
	base      context.Context

	mu          sync.Mutex
	state       State
	session     *models.Session
	relayStart  time.Time
	lastTick    time.Time
	stopTrigger string
	relayOff    bool
	metered     bool
	stopLoop    chan struct{}
	loopDone    chan struct{}
	persister   *persister

	stopMu   sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// NewMachine builds an idle machine. base bounds the metering loop; when it ends the loop
// stops and the session is left open for a later Start to reconcile.
func NewMachine(base context.Context, ledger repository.SessionLedger, tel Telemetry, rel Relay, cfg Config, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		cfg:       cfg.withDefaults(),
		ledger:    ledger,
		telemetry: tel,
		relay:     rel,
		logger:    logger.With(zap.String("component", "session")),
		base:      base,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the local session view.
func (m *Machine) Snapshot() (*models.Session, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone(), m.state
}

// RelayStart returns when power was last switched on.
func (m *Machine) RelayStart() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayStart
}

// Done is closed when the session is closed or the base context ends.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) markDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *Machine) unmeter() {
	m.mu.Lock()
	was := m.metered
	m.metered = false
	m.mu.Unlock()
	if was {
		m.cfg.Metrics.SessionDetached()
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start reconciles with the ledger, creates the session when nothing can be adopted and
// switches the relay on. It returns the session and whether it was created or adopted.
func (m *Machine) Start(ctx context.Context, req StartRequest) (*models.Session, Outcome, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, OutcomeCreated, ErrAlreadyStarted
	}
	m.state = StateReconciling
	m.mu.Unlock()

	if err := req.Validate(); err != nil {
		m.setState(StateIdle)
		return nil, OutcomeCreated, err
	}

	existing, err := m.reconcile(ctx, req)
	if err != nil {
		m.setState(StateIdle)
		return nil, OutcomeCreated, err
	}
	if existing != nil {
		return m.adopt(ctx, existing), OutcomeReconciled, nil
	}

	m.setState(StateStarting)
	created, err := m.ledger.CreateSession(ctx, m.newRecord(req))
	if errors.Is(err, repository.ErrDuplicateTransaction) || errors.Is(err, repository.ErrActiveSessionExists) {
		// Lost a race with a concurrent start; adopt the winner if it is still open.
		existing, rerr := m.reconcile(ctx, req)
		if rerr == nil && existing != nil {
			return m.adopt(ctx, existing), OutcomeReconciled, nil
		}
		m.setState(StateIdle)
		if rerr != nil && !errors.Is(rerr, repository.ErrSessionClosed) {
			return nil, OutcomeCreated, rerr
		}
		return nil, OutcomeCreated, err
	}
	if err != nil {
		m.setState(StateIdle)
		if errors.Is(err, repository.ErrDuplicateSession) {
			return nil, OutcomeCreated, err
		}
		return nil, OutcomeCreated, fmt.Errorf("%w: create session: %v", ErrPersistence, err)
	}

	log := m.logger.With(zap.String("session_id", created.SessionID), zap.String("device_id", created.DeviceID))
	log.Info("session created", zap.String("transaction_id", created.TransactionID), zap.Float64("amount_paid", created.AmountPaid))

	if err := m.relay.Set(ctx, created.DeviceID, relay.StateOn); err != nil {
		log.Error("relay on failed; closing session", zap.Error(err))
		m.cfg.Metrics.RelayFault(string(relay.StateOn))
		closed := m.closeAfterFault(created)
		return closed, OutcomeCreated, err
	}

	m.beginCharging(created)
	return created.Clone(), OutcomeCreated, nil
}

func (m *Machine) newRecord(req StartRequest) *models.Session {
	start := req.StartTime
	if start.IsZero() {
		start = m.cfg.Clock.Now()
	}
	id := req.SessionID
	if id == "" {
		id = m.cfg.NewSessionID()
	}
	return &models.Session{
		SessionID:      id,
		TransactionID:  req.TransactionID,
		DeviceID:       req.DeviceID,
		UserID:         req.UserID,
		Status:         models.SessionStatusActive,
		StartTime:      start.UTC(),
		StartDate:      start.In(m.cfg.Location).Format(models.DateLayout),
		AmountPaid:     *req.AmountPaid,
		EnergySelected: *req.EnergySelected,
	}
}

// reconcile looks for an open session to adopt, first by transaction then by user and device.
func (m *Machine) reconcile(ctx context.Context, req StartRequest) (*models.Session, error) {
	byTxn, err := m.ledger.FindByTransaction(ctx, req.TransactionID)
	switch {
	case err == nil:
		if byTxn.UserID != "" && req.UserID != "" && byTxn.UserID != req.UserID {
			return nil, repository.ErrDuplicateTransaction
		}
		if !byTxn.IsActive() {
			return nil, repository.ErrSessionClosed
		}
		return byTxn, nil
	case !errors.Is(err, repository.ErrSessionNotFound):
		return nil, fmt.Errorf("%w: find by transaction: %v", ErrPersistence, err)
	}

	active, err := m.ledger.FindActiveSession(ctx, req.UserID, req.DeviceID)
	switch {
	case err == nil:
		return active, nil
	case errors.Is(err, repository.ErrSessionNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: find active session: %v", ErrPersistence, err)
	}
}

// adopt resumes metering of an open session without creating one.
func (m *Machine) adopt(ctx context.Context, s *models.Session) *models.Session {
	log := m.logger.With(zap.String("session_id", s.SessionID), zap.String("device_id", s.DeviceID))
	log.Info("adopting open session", zap.String("transaction_id", s.TransactionID))

	if !m.cfg.Engine.Exhausted(s.AmountUsed, s.AmountPaid) {
		if err := m.relay.Set(ctx, s.DeviceID, relay.StateOn); err != nil {
			log.Warn("relay on not confirmed for adopted session", zap.Error(err))
			m.cfg.Metrics.RelayFault(string(relay.StateOn))
		}
	}
	m.beginCharging(s)
	return s.Clone()
}

func (m *Machine) beginCharging(s *models.Session) {
	now := m.cfg.Clock.Now()
	ticker := m.cfg.Clock.NewTicker(m.cfg.TickInterval)

	m.mu.Lock()
	m.session = s.Clone()
	m.relayStart = now
	m.lastTick = now
	m.state = StateCharging
	m.stopLoop = make(chan struct{})
	m.loopDone = make(chan struct{})
	m.persister = newPersister(m.ledger, s.SessionID, m.cfg, m.logger)
	m.metered = true
	stopLoop, loopDone := m.stopLoop, m.loopDone
	m.mu.Unlock()

	m.cfg.Metrics.SessionOpened()
	go func() {
		if m.loop(ticker, stopLoop, loopDone) {
			m.autoStop()
		}
	}()
}

// loop meters the session until it is stopped, detached or exhausted. It reports true on
// exhaustion; loopDone is closed before returning so a concurrent Stop can take over.
func (m *Machine) loop(ticker *clock.Ticker, stopLoop, loopDone chan struct{}) bool {
	defer close(loopDone)
	defer ticker.Stop()

	if m.beginAutoStopIfExhausted() {
		return true
	}

	for {
		select {
		case <-stopLoop:
			return false
		case <-m.base.Done():
			m.detach()
			return false
		case now := <-ticker.C:
			if m.tick(now) {
				return true
			}
		}
	}
}

func (m *Machine) beginAutoStopIfExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCharging || !m.cfg.Engine.Exhausted(m.session.AmountUsed, m.session.AmountPaid) {
		return false
	}
	m.state = StateStopping
	m.stopTrigger = models.EndTriggerAuto
	return true
}

// tick applies one metering step. It reports true when the budget is exhausted, in which
// case the state has already moved to Stopping.
func (m *Machine) tick(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCharging {
		return false
	}
	reading, ok := m.telemetry.Latest(m.session.DeviceID)
	res := m.cfg.Engine.Tick(metering.Input{
		Voltage:        reading.Voltage,
		Current:        reading.Current,
		HasReading:     ok,
		RelayStart:     m.relayStart,
		LastTick:       m.lastTick,
		Now:            now,
		EnergyConsumed: m.session.EnergyConsumed,
		AmountPaid:     m.session.AmountPaid,
	})
	if now.After(m.lastTick) {
		m.lastTick = now
	}

	if res.Applied {
		m.session.EnergyConsumed = res.EnergyConsumed
		m.session.AmountUsed = res.AmountUsed
		m.cfg.Metrics.TickApplied(res.Increment)
		m.persister.offer(meteringUpdate{energyConsumed: res.EnergyConsumed, amountUsed: res.AmountUsed})
	} else {
		m.cfg.Metrics.TickSkipped(res.SkipReason)
	}

	if !res.Exhausted {
		return false
	}
	m.state = StateStopping
	m.stopTrigger = models.EndTriggerAuto
	m.logger.Info("budget exhausted",
		zap.String("session_id", m.session.SessionID),
		zap.Float64("energy_consumed", m.session.EnergyConsumed),
		zap.Float64("amount_used", m.session.AmountUsed),
	)
	return true
}

// autoStop closes an exhausted session, retrying with a growing delay until the ledger
// accepts the close or the process shuts down.
func (m *Machine) autoStop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.RetryDelay
	policy.MaxInterval = maxAutoStopInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.base), m.cfg.StopTimeout)
		_, err := m.finishStop(ctx)
		cancel()
		if err == nil {
			return
		}

		wait := policy.NextBackOff()
		m.logger.Error("auto stop incomplete, retrying", zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-m.base.Done():
			m.detach()
			return
		case <-m.cfg.Clock.After(wait):
		}
	}
}

// detach ends metering on process shutdown and leaves the session open.
func (m *Machine) detach() {
	m.mu.Lock()
	p := m.persister
	sessionID := m.session.SessionID
	m.mu.Unlock()

	if p != nil {
		p.stop()
	}
	m.unmeter()
	m.logger.Info("session detached; left open for reconciliation", zap.String("session_id", sessionID))
	m.markDone()
}

// Stop ends a charging session with trigger. Stopping a closed session returns it unchanged.
// When the ledger close fails the machine stays in Stopping with the relay already off and
// Stop may be called again.
func (m *Machine) Stop(ctx context.Context, trigger string) (*models.Session, error) {
	m.mu.Lock()
	switch m.state {
	case StateCharging:
		m.state = StateStopping
		m.stopTrigger = trigger
		close(m.stopLoop)
	case StateStopping:
	case StateClosed:
		s := m.session.Clone()
		m.mu.Unlock()
		return s, nil
	default:
		m.mu.Unlock()
		return nil, ErrNotCharging
	}
	loopDone := m.loopDone
	m.mu.Unlock()

	select {
	case <-loopDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.finishStop(ctx)
}

// finishStop switches the relay off and closes the ledger record with the frozen values.
func (m *Machine) finishStop(ctx context.Context) (*models.Session, error) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()

	m.mu.Lock()
	if m.state == StateClosed {
		s := m.session.Clone()
		m.mu.Unlock()
		return s, nil
	}
	final := m.session.Clone()
	trigger := m.stopTrigger
	relayOff := m.relayOff
	p := m.persister
	m.mu.Unlock()

	log := m.logger.With(zap.String("session_id", final.SessionID), zap.String("device_id", final.DeviceID))

	if p != nil {
		p.stop()
	}

	if !relayOff {
		if err := m.relay.Set(ctx, final.DeviceID, relay.StateOff); err != nil {
			log.Error("relay off failed", zap.Error(err))
			m.cfg.Metrics.RelayFault(string(relay.StateOff))
		} else {
			m.mu.Lock()
			m.relayOff = true
			m.mu.Unlock()
		}
	}

	closed, err := m.closeLedger(ctx, repository.CloseInput{
		SessionID:      final.SessionID,
		EndTime:        m.cfg.Clock.Now(),
		EndTrigger:     trigger,
		EnergyConsumed: final.EnergyConsumed,
		AmountUsed:     final.AmountUsed,
	})
	if err != nil {
		log.Error("ledger close failed; session left stopping", zap.Error(err))
		return nil, fmt.Errorf("%w: close session: %v", ErrPersistence, err)
	}

	m.mu.Lock()
	m.session = closed.Clone()
	m.state = StateClosed
	m.mu.Unlock()

	log.Info("session closed",
		zap.String("end_trigger", closed.EndTrigger),
		zap.Float64("energy_consumed", closed.EnergyConsumed),
		zap.Float64("amount_used", closed.AmountUsed),
	)
	m.cfg.Metrics.SessionClosed(closed.EndTrigger)
	m.unmeter()
	m.markDone()
	return closed.Clone(), nil
}

func (m *Machine) closeLedger(ctx context.Context, input repository.CloseInput) (*models.Session, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.RetryDelay
	policy.MaxElapsedTime = 0

	var closed *models.Session
	operation := func() error {
		s, err := m.ledger.CloseSession(ctx, input)
		switch {
		case err == nil:
			closed = s
			return nil
		case errors.Is(err, repository.ErrSessionClosed) && s != nil:
			closed = s
			return nil
		case errors.Is(err, repository.ErrSessionNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.cfg.CloseAttempts-1)), ctx))
	return closed, err
}

// closeAfterFault closes a freshly created session whose relay never switched on.
func (m *Machine) closeAfterFault(created *models.Session) *models.Session {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.base), m.cfg.StopTimeout)
	defer cancel()

	closed, err := m.closeLedger(ctx, repository.CloseInput{
		SessionID:  created.SessionID,
		EndTime:    m.cfg.Clock.Now(),
		EndTrigger: models.EndTriggerAuto,
		EndReason:  models.EndReasonRelayFault,
	})
	if err != nil {
		m.logger.Error("closing faulted session failed", zap.String("session_id", created.SessionID), zap.Error(err))
		m.setState(StateIdle)
		return created.Clone()
	}

	m.mu.Lock()
	m.session = closed.Clone()
	m.state = StateClosed
	m.mu.Unlock()
	m.cfg.Metrics.SessionClosed(models.EndTriggerAuto)
	m.markDone()
	return closed.Clone()
}
