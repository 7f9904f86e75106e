package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargeflow/backend/libs/clock"
	"chargeflow/backend/libs/mqtt"
)

type fakeBroker struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connects     int
	disconnects  int
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	watchers     []func(bool)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) Connect(context.Context) error {
	b.mu.Lock()
	if b.connectErr != nil {
		b.mu.Unlock()
		return b.connectErr
	}
	b.connects++
	b.mu.Unlock()
	b.setConnected(true)
	return nil
}

func (b *fakeBroker) Disconnect(context.Context) error {
	b.mu.Lock()
	b.disconnects++
	b.mu.Unlock()
	b.setConnected(false)
	return nil
}

func (b *fakeBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) OnConnectionChange(fn func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, fn)
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string, h mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

func (b *fakeBroker) setConnected(up bool) {
	b.mu.Lock()
	changed := b.connected != up
	b.connected = up
	watchers := append([]func(bool){}, b.watchers...)
	b.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range watchers {
		fn(up)
	}
}

func (b *fakeBroker) deliver(topic, payload string) bool {
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if ok {
		h(topic, []byte(payload))
	}
	return ok
}

func (b *fakeBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

func newTestChannel(t *testing.T, staleAfter time.Duration) (*Channel, *fakeBroker, *clock.FakeClock) {
	t.Helper()
	broker := newFakeBroker()
	clk := clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	ch := NewChannel(broker, Options{Topics: DefaultTopics(), StaleAfter: staleAfter, Clock: clk}, nil)
	return ch, broker, clk
}

func TestChannelAcquireReleaseRefcount(t *testing.T) {
	ctx := context.Background()
	ch, broker, _ := newTestChannel(t, 0)

	require.NoError(t, ch.Acquire(ctx))
	require.NoError(t, ch.Acquire(ctx))
	assert.Equal(t, 1, broker.connects)
	assert.Equal(t, 2, ch.Holders())

	require.NoError(t, ch.Release(ctx))
	assert.Equal(t, 0, broker.disconnects)
	assert.True(t, broker.Connected())

	require.NoError(t, ch.Release(ctx))
	assert.Equal(t, 1, broker.disconnects)
	assert.False(t, broker.Connected())

	require.NoError(t, ch.Release(ctx))
	assert.Equal(t, 1, broker.disconnects)
}

func TestChannelAcquireFailure(t *testing.T) {
	ch, broker, _ := newTestChannel(t, 0)
	broker.connectErr = errors.New("dial tcp: refused")

	err := ch.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, ch.Holders())
}

func TestChannelLatestReading(t *testing.T) {
	ctx := context.Background()
	ch, broker, clk := newTestChannel(t, 0)
	require.NoError(t, ch.Acquire(ctx))
	require.NoError(t, ch.Watch(ctx, "d1"))

	assert.True(t, broker.subscribed("device/voltage"))
	assert.True(t, broker.subscribed("device/current"))
	assert.True(t, broker.subscribed("ev/device/d1/status"))

	clk.Advance(time.Second)
	broker.deliver("device/voltage", "230.5")
	_, ok := ch.Latest("d1")
	assert.False(t, ok, "current has not arrived yet")

	broker.deliver("device/current", " 9.8 ")
	broker.deliver("ev/device/d1/status", "charging")

	r, ok := ch.Latest("d1")
	require.True(t, ok)
	assert.Equal(t, 230.5, r.Voltage)
	assert.Equal(t, 9.8, r.Current)
	assert.Equal(t, "charging", r.Status)
}

func TestChannelDropsUnparsablePayload(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	clk := clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	var faults []string
	ch := NewChannel(broker, Options{
		Topics:  DefaultTopics(),
		Clock:   clk,
		OnFault: func(topic string, _ error) { faults = append(faults, topic) },
	}, nil)
	require.NoError(t, ch.Acquire(ctx))
	require.NoError(t, ch.Watch(ctx, "d1"))

	clk.Advance(time.Second)
	broker.deliver("device/voltage", "230")
	broker.deliver("device/current", "10")
	broker.deliver("device/current", "NaN-ish")

	r, ok := ch.Latest("d1")
	require.True(t, ok)
	assert.Equal(t, 10.0, r.Current)
	assert.Equal(t, []string{"device/current"}, faults)
}

func TestChannelDisconnectInvalidatesReadings(t *testing.T) {
	ctx := context.Background()
	ch, broker, clk := newTestChannel(t, 0)
	require.NoError(t, ch.Acquire(ctx))
	require.NoError(t, ch.Watch(ctx, "d1"))

	clk.Advance(time.Second)
	broker.deliver("device/voltage", "230")
	broker.deliver("device/current", "10")
	_, ok := ch.Latest("d1")
	require.True(t, ok)

	broker.setConnected(false)
	_, ok = ch.Latest("d1")
	assert.False(t, ok)

	broker.setConnected(true)
	_, ok = ch.Latest("d1")
	assert.False(t, ok, "pre-disconnect samples must not be reused")

	clk.Advance(time.Second)
	broker.deliver("device/voltage", "231")
	broker.deliver("device/current", "11")
	r, ok := ch.Latest("d1")
	require.True(t, ok)
	assert.Equal(t, 231.0, r.Voltage)
}

func TestChannelStaleReadingsAreAbsent(t *testing.T) {
	ctx := context.Background()
	ch, broker, clk := newTestChannel(t, 30*time.Second)
	require.NoError(t, ch.Acquire(ctx))
	require.NoError(t, ch.Watch(ctx, "d1"))

	clk.Advance(time.Second)
	broker.deliver("device/voltage", "230")
	broker.deliver("device/current", "10")

	clk.Advance(30 * time.Second)
	_, ok := ch.Latest("d1")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = ch.Latest("d1")
	assert.False(t, ok)
}

func TestChannelSharedTopicsAttributeToEveryWatcher(t *testing.T) {
	ctx := context.Background()
	ch, broker, clk := newTestChannel(t, 0)
	require.NoError(t, ch.Acquire(ctx))
	require.NoError(t, ch.Watch(ctx, "d1"))
	require.NoError(t, ch.Watch(ctx, "d2"))

	clk.Advance(time.Second)
	broker.deliver("device/voltage", "230")
	broker.deliver("device/current", "10")
	broker.deliver("ev/device/d2/status", "faulted")

	_, ok1 := ch.Latest("d1")
	_, ok2 := ch.Latest("d2")
	assert.True(t, ok1)
	assert.True(t, ok2)

	_, ok := ch.Status("d1")
	assert.False(t, ok)
	status, ok := ch.Status("d2")
	require.True(t, ok)
	assert.Equal(t, "faulted", status)

	ch.Unwatch(ctx, "d1")
	assert.True(t, broker.subscribed("device/voltage"), "shared topic still used by d2")
	assert.False(t, broker.subscribed("ev/device/d1/status"))
	_, ok = ch.Latest("d1")
	assert.False(t, ok)

	ch.Unwatch(ctx, "d2")
	assert.False(t, broker.subscribed("device/voltage"))
	assert.False(t, broker.subscribed("device/current"))
}

func TestChannelPerDeviceTemplates(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	clk := clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	ch := NewChannel(broker, Options{
		Topics: Topics{
			Voltage: "ev/device/{deviceId}/voltage",
			Current: "ev/device/{deviceId}/current",
		},
		Clock: clk,
	}, nil)
	require.NoError(t, ch.Acquire(ctx))
	require.NoError(t, ch.Watch(ctx, "d1"))
	require.NoError(t, ch.Watch(ctx, "d2"))

	clk.Advance(time.Second)
	broker.deliver("ev/device/d1/voltage", "230")
	broker.deliver("ev/device/d1/current", "10")

	_, ok := ch.Latest("d1")
	assert.True(t, ok)
	_, ok = ch.Latest("d2")
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "ev/device/abc/status", Resolve("ev/device/{deviceId}/status", "abc"))
	assert.Equal(t, "device/voltage", Resolve("device/voltage", "abc"))
	assert.True(t, PerDevice("x/{deviceId}"))
	assert.False(t, PerDevice("device/relayControl"))
}
