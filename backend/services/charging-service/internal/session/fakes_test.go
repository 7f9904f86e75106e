package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chargeflow/backend/libs/clock"
	"chargeflow/backend/services/charging-service/internal/metering"
	"chargeflow/backend/services/charging-service/internal/models"
	"chargeflow/backend/services/charging-service/internal/relay"
	"chargeflow/backend/services/charging-service/internal/repository"
	"chargeflow/backend/services/charging-service/internal/telemetry"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

type fakeTelemetry struct {
	mu       sync.Mutex
	reading  telemetry.Reading
	ok       bool
	calls    int
	acquired int
	watched  map[string]int
	acqErr   error
}

func newFakeTelemetry() *fakeTelemetry {
	return &fakeTelemetry{watched: make(map[string]int)}
}

func (f *fakeTelemetry) set(voltage, current float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reading = telemetry.Reading{Voltage: voltage, Current: current}
	f.ok = true
}

func (f *fakeTelemetry) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ok = false
}

func (f *fakeTelemetry) Latest(string) (telemetry.Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reading, f.ok
}

func (f *fakeTelemetry) latestCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTelemetry) Acquire(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acqErr != nil {
		return f.acqErr
	}
	f.acquired++
	return nil
}

func (f *fakeTelemetry) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquired > 0 {
		f.acquired--
	}
	return nil
}

func (f *fakeTelemetry) Watch(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[deviceID]++
	return nil
}

func (f *fakeTelemetry) Unwatch(_ context.Context, deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[deviceID]--
	if f.watched[deviceID] <= 0 {
		delete(f.watched, deviceID)
	}
}

func (f *fakeTelemetry) holders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

type fakeRelay struct {
	mu     sync.Mutex
	calls  []relay.State
	failOn map[relay.State]bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{failOn: make(map[relay.State]bool)}
}

func (r *fakeRelay) Set(_ context.Context, deviceID string, state relay.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, state)
	if r.failOn[state] {
		return fmt.Errorf("%w: %s %s", relay.ErrRelayUnavailable, deviceID, state)
	}
	return nil
}

func (r *fakeRelay) fail(state relay.State, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[state] = fail
}

func (r *fakeRelay) count(state relay.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.calls {
		if s == state {
			n++
		}
	}
	return n
}

var errLedgerDown = errors.New("ledger down")

// faultyLedger wraps the memory ledger with call counting and injectable close failures.
type faultyLedger struct {
	repository.SessionLedger

	mu        sync.Mutex
	closes    int
	closeFail bool
	updates   int
}

func (l *faultyLedger) CloseSession(ctx context.Context, in repository.CloseInput) (*models.Session, error) {
	l.mu.Lock()
	l.closes++
	fail := l.closeFail
	l.mu.Unlock()
	if fail {
		return nil, errLedgerDown
	}
	return l.SessionLedger.CloseSession(ctx, in)
}

func (l *faultyLedger) UpdateMetering(ctx context.Context, id string, energy, amount float64) (*models.Session, error) {
	l.mu.Lock()
	l.updates++
	l.mu.Unlock()
	return l.SessionLedger.UpdateMetering(ctx, id, energy, amount)
}

func (l *faultyLedger) setCloseFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFail = fail
}

func (l *faultyLedger) closeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

type harness struct {
	clock  *clock.FakeClock
	ledger *faultyLedger
	tel    *fakeTelemetry
	relay  *fakeRelay
	cfg    Config
	seq    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  clock.Fake(t0),
		ledger: &faultyLedger{SessionLedger: repository.NewMemorySessionLedger()},
		tel:    newFakeTelemetry(),
		relay:  newFakeRelay(),
	}
	h.cfg = Config{
		Engine:          metering.NewEngine(20, metering.ModeDelta),
		TickInterval:    5 * time.Second,
		PersistAttempts: 2,
		CloseAttempts:   2,
		RetryDelay:      time.Millisecond,
		StopTimeout:     time.Second,
		Clock:           h.clock,
		NewSessionID: func() string {
			h.seq++
			return fmt.Sprintf("session_%d", h.seq)
		},
	}
	return h
}

func (h *harness) machine(t *testing.T) *Machine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMachine(ctx, h.ledger, h.tel, h.relay, h.cfg, nil)
}

// tick advances the clock by one interval and waits until the machine has consumed it.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	n := h.tel.latestCalls()
	h.clock.Advance(h.cfg.TickInterval)
	require.Eventually(t, func() bool { return h.tel.latestCalls() > n }, time.Second, time.Millisecond)
}

func request(txn, user, device string, amountPaid float64) StartRequest {
	return StartRequest{
		TransactionID:  txn,
		UserID:         user,
		DeviceID:       device,
		AmountPaid:     ptr(amountPaid),
		EnergySelected: ptr(amountPaid / 20),
	}
}
