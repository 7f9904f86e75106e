package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chargeflow/backend/libs/clock"
	"chargeflow/backend/libs/mqtt"
)

// ErrNotConnected is returned when the broker cannot be reached.
var ErrNotConnected = errors.New("telemetry channel not connected")

// Broker is the publish-subscribe transport under the channel.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool
	OnConnectionChange(fn func(up bool))
	Subscribe(ctx context.Context, topic string, handler mqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
}

// Reading is the latest sample of one device.
type Reading struct {
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type kind int

const (
	kindVoltage kind = iota
	kindCurrent
	kindStatus
)

func (k kind) String() string {
	switch k {
	case kindVoltage:
		return "voltage"
	case kindCurrent:
		return "current"
	default:
		return "status"
	}
}

type sample struct {
	voltage, current       float64
	hasVoltage, hasCurrent bool
	voltageAt, currentAt   time.Time
	status                 string
}

type subscription struct {
	refs int
}

// FaultFunc is called for every dropped payload.
type FaultFunc func(topic string, err error)

// Channel keeps the latest readings of watched devices. The broker connection is held
// while at least one caller has acquired the channel.
type Channel struct {
	broker     Broker
	topics     Topics
	staleAfter time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	onFault    FaultFunc

	// lifecycle serializes broker calls. It is never taken by message handlers.
	lifecycle sync.Mutex
	holders   int
	subs      map[string]*subscription

	mu       sync.Mutex
	watchers map[string]int
	latest   map[string]*sample

	downAt atomic.Int64
}

// Options configures a Channel.
type Options struct {
	Topics     Topics
	StaleAfter time.Duration
	Clock      clock.Clock
	OnFault    FaultFunc
}

// NewChannel builds a channel over broker.
func NewChannel(broker Broker, opts Options, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	c := &Channel{
		broker:     broker,
		topics:     opts.Topics,
		staleAfter: opts.StaleAfter,
		clock:      opts.Clock,
		logger:     logger.With(zap.String("component", "telemetry")),
		onFault:    opts.OnFault,
		watchers:   make(map[string]int),
		subs:       make(map[string]*subscription),
		latest:     make(map[string]*sample),
	}
	broker.OnConnectionChange(c.connectionChanged)
	return c
}

// Acquire connects the broker on first use.
func (c *Channel) Acquire(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.holders == 0 {
		if err := c.broker.Connect(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		c.logger.Info("telemetry channel acquired")
	}
	c.holders++
	return nil
}

// Release drops one hold; the last release disconnects the broker.
func (c *Channel) Release(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.holders == 0 {
		return nil
	}
	c.holders--
	if c.holders > 0 {
		return nil
	}
	c.mu.Lock()
	c.latest = make(map[string]*sample)
	c.mu.Unlock()
	c.logger.Info("telemetry channel released")
	return c.broker.Disconnect(ctx)
}

// Holders returns the number of outstanding acquisitions.
func (c *Channel) Holders() int {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.holders
}

// Watch subscribes the voltage, current and status topics for deviceID.
func (c *Channel) Watch(ctx context.Context, deviceID string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.watchers[deviceID]++
	first := c.watchers[deviceID] == 1
	c.mu.Unlock()
	if !first {
		return nil
	}

	var subscribed []string
	for _, t := range c.deviceTopics(deviceID) {
		if err := c.subscribeLocked(ctx, t.topic, t.kind, t.deviceID); err != nil {
			for _, topic := range subscribed {
				c.unsubscribeLocked(ctx, topic)
			}
			c.mu.Lock()
			delete(c.watchers, deviceID)
			c.mu.Unlock()
			return err
		}
		subscribed = append(subscribed, t.topic)
	}
	return nil
}

// Unwatch releases the subscriptions taken by Watch and forgets the device's readings.
func (c *Channel) Unwatch(ctx context.Context, deviceID string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	n, ok := c.watchers[deviceID]
	switch {
	case !ok:
		c.mu.Unlock()
		return
	case n > 1:
		c.watchers[deviceID] = n - 1
		c.mu.Unlock()
		return
	}
	delete(c.watchers, deviceID)
	delete(c.latest, deviceID)
	c.mu.Unlock()

	for _, t := range c.deviceTopics(deviceID) {
		c.unsubscribeLocked(ctx, t.topic)
	}
}

// Latest returns the freshest voltage and current of deviceID. It reports false while the
// broker is disconnected, before both values have arrived, or when either is stale.
func (c *Channel) Latest(deviceID string) (Reading, bool) {
	if !c.broker.Connected() {
		return Reading{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.latest[deviceID]
	if !ok || !s.hasVoltage || !s.hasCurrent {
		return Reading{}, false
	}
	updated := s.voltageAt
	if s.currentAt.Before(updated) {
		updated = s.currentAt
	}
	if !c.receivedSinceDown(updated) {
		return Reading{}, false
	}
	if c.staleAfter > 0 && c.clock.Now().Sub(updated) > c.staleAfter {
		return Reading{}, false
	}
	return Reading{Voltage: s.voltage, Current: s.current, Status: s.status, UpdatedAt: updated}, true
}

// Status returns the last status payload reported by deviceID.
func (c *Channel) Status(deviceID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.latest[deviceID]
	if !ok || s.status == "" {
		return "", false
	}
	return s.status, true
}

type deviceTopic struct {
	topic    string
	kind     kind
	deviceID string
}

func (c *Channel) deviceTopics(deviceID string) []deviceTopic {
	var out []deviceTopic
	for _, t := range []struct {
		template string
		kind     kind
	}{
		{c.topics.Voltage, kindVoltage},
		{c.topics.Current, kindCurrent},
		{c.topics.Status, kindStatus},
	} {
		if t.template == "" {
			continue
		}
		dt := deviceTopic{topic: Resolve(t.template, deviceID), kind: t.kind}
		if PerDevice(t.template) {
			dt.deviceID = deviceID
		}
		out = append(out, dt)
	}
	return out
}

func (c *Channel) subscribeLocked(ctx context.Context, topic string, k kind, deviceID string) error {
	if sub, ok := c.subs[topic]; ok {
		sub.refs++
		return nil
	}
	handler := func(topic string, payload []byte) {
		c.handle(topic, k, deviceID, payload)
	}
	if err := c.broker.Subscribe(ctx, topic, handler); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrNotConnected, topic, err)
	}
	c.subs[topic] = &subscription{refs: 1}
	return nil
}

func (c *Channel) unsubscribeLocked(ctx context.Context, topic string) {
	sub, ok := c.subs[topic]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs > 0 {
		return
	}
	delete(c.subs, topic)
	if err := c.broker.Unsubscribe(ctx, topic); err != nil {
		c.logger.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (c *Channel) handle(topic string, k kind, deviceID string, payload []byte) {
	raw := strings.TrimSpace(string(payload))

	var value float64
	if k != kindStatus {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.logger.Warn("dropping unparsable telemetry payload",
				zap.String("topic", topic),
				zap.String("kind", k.String()),
				zap.String("payload", raw),
			)
			if c.onFault != nil {
				c.onFault(topic, err)
			}
			return
		}
		value = v
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if deviceID != "" {
		if _, watched := c.watchers[deviceID]; watched {
			c.applyLocked(deviceID, k, value, raw, now)
		}
		return
	}
	for id := range c.watchers {
		c.applyLocked(id, k, value, raw, now)
	}
}

func (c *Channel) applyLocked(deviceID string, k kind, value float64, raw string, at time.Time) {
	s, ok := c.latest[deviceID]
	if !ok {
		s = &sample{}
		c.latest[deviceID] = s
	}
	switch k {
	case kindVoltage:
		s.voltage, s.hasVoltage, s.voltageAt = value, true, at
	case kindCurrent:
		s.current, s.hasCurrent, s.currentAt = value, true, at
	case kindStatus:
		s.status = raw
	}
}

// connectionChanged runs on transport goroutines and must not block on c.mu.
func (c *Channel) connectionChanged(up bool) {
	if up {
		c.logger.Info("telemetry channel connected")
		return
	}
	c.downAt.Store(c.clock.Now().UnixNano())
	c.logger.Warn("telemetry channel disconnected; readings invalidated")
}

// receivedSinceDown reports whether a sample taken at t arrived after the last disconnect.
func (c *Channel) receivedSinceDown(t time.Time) bool {
	down := c.downAt.Load()
	return down == 0 || t.UnixNano() > down
}
