package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"chargeflow/backend/services/charging-service/internal/metrics"
	"chargeflow/backend/services/charging-service/internal/repository"
)

type meteringUpdate struct {
	energyConsumed float64
	amountUsed     float64
}

// persister writes metering values to the ledger off the tick path. It holds at most one
// pending update; a newer update replaces an unsent one.
type persister struct {
	ledger    repository.SessionLedger
	sessionID string
	attempts  int
	delay     time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics

	slot   chan meteringUpdate
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPersister(ledger repository.SessionLedger, sessionID string, cfg Config, logger *zap.Logger) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	p := &persister{
		ledger:    ledger,
		sessionID: sessionID,
		attempts:  cfg.PersistAttempts,
		delay:     cfg.RetryDelay,
		timeout:   cfg.StopTimeout,
		logger:    logger,
		metrics:   cfg.Metrics,
		slot:      make(chan meteringUpdate, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) offer(u meteringUpdate) {
	select {
	case <-p.slot:
	default:
	}
	select {
	case p.slot <- u:
	default:
	}
}

// stop abandons pending work without waiting for an in-flight write.
func (p *persister) stop() {
	p.cancel()
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case u := <-p.slot:
			p.persist(u)
		}
	}
}

func (p *persister) persist(u meteringUpdate) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.delay
	policy.MaxElapsedTime = 0

	operation := func() error {
		select {
		case newer := <-p.slot:
			u = newer
		default:
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		defer cancel()

		_, err := p.ledger.UpdateMetering(ctx, p.sessionID, u.energyConsumed, u.amountUsed)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrSessionClosed) || errors.Is(err, repository.ErrSessionNotFound) {
			return backoff.Permanent(err)
		}
		p.metrics.PersistFault()
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.attempts-1)), p.ctx))
	if err != nil && p.ctx.Err() == nil {
		p.logger.Warn("metering update not persisted",
			zap.String("session_id", p.sessionID),
			zap.Float64("energy_consumed", u.energyConsumed),
			zap.Float64("amount_used", u.amountUsed),
			zap.Error(err),
		)
	}
}
