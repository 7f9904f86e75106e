package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"chargeflow/backend/services/charging-service/internal/telemetry"
)

// ErrRelayUnavailable is returned when a command could not be delivered within the retry budget.
var ErrRelayUnavailable = errors.New("relay command not delivered")

// State is a relay command.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

const (
	defaultRetryDelay  = time.Second
	defaultMaxAttempts = 5
)

// Publisher delivers a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Options configures a Controller.
type Options struct {
	Topic       string
	RetryDelay  time.Duration
	MaxAttempts int
	// OnFault is called once per failed attempt.
	OnFault func(deviceID string, state State, err error)
}

// Controller switches device relays over the telemetry channel.
type Controller struct {
	publisher   Publisher
	topic       string
	retryDelay  time.Duration
	maxAttempts int
	onFault     func(deviceID string, state State, err error)
	logger      *zap.Logger
}

// NewController builds a controller.
func NewController(publisher Publisher, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Topic == "" {
		opts.Topic = telemetry.DefaultTopics().RelayControl
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Controller{
		publisher:   publisher,
		topic:       opts.Topic,
		retryDelay:  opts.RetryDelay,
		maxAttempts: opts.MaxAttempts,
		onFault:     opts.OnFault,
		logger:      logger.With(zap.String("component", "relay")),
	}
}

// Set publishes state for deviceID, retrying at a fixed delay up to the attempt limit.
// Delivery is confirmed by the transport only.
func (c *Controller) Set(ctx context.Context, deviceID string, state State) error {
	topic := telemetry.Resolve(c.topic, deviceID)
	attempts := 0

	operation := func() error {
		attempts++
		err := c.publisher.Publish(ctx, topic, []byte(state))
		if err == nil {
			return nil
		}
		c.logger.Warn("relay publish failed",
			zap.String("device_id", deviceID),
			zap.String("state", string(state)),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if c.onFault != nil {
			c.onFault(deviceID, state, err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrRelayUnavailable, deviceID, state, attempts, err)
	}

	c.logger.Info("relay command sent",
		zap.String("device_id", deviceID),
		zap.String("state", string(state)),
		zap.Int("attempts", attempts),
	)
	return nil
}
