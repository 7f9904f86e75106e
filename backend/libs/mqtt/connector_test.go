package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectorRejectsBadURL(t *testing.T) {
	_, err := NewConnector(Options{BrokerURL: "localhost"}, nil)
	require.Error(t, err)
}

func TestNewConnectorGeneratesClientID(t *testing.T) {
	c, err := NewConnector(Options{BrokerURL: "mqtt://localhost:1883"}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.cfg.ClientConfig.ClientID, "chargeflow-"))
	assert.Nil(t, c.cfg.TlsCfg)
	assert.Nil(t, c.cfg.WebSocketCfg)
}

func TestNewConnectorConfiguresSecureWebSocket(t *testing.T) {
	c, err := NewConnector(Options{
		BrokerURL:          "wss://broker.example.com:8884/mqtt",
		ClientID:           "svc",
		Username:           "user",
		Password:           "secret",
		InsecureSkipVerify: true,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, c.cfg.TlsCfg)
	assert.True(t, c.cfg.TlsCfg.InsecureSkipVerify)
	require.NotNil(t, c.cfg.AttemptConnection)
	assert.Equal(t, roundDelay, c.cfg.ConnectRetryDelay)
}

func TestPublishOfflineFailsFast(t *testing.T) {
	c, err := NewConnector(Options{BrokerURL: "mqtt://localhost:1883"}, nil)
	require.NoError(t, err)

	err = c.Publish(context.Background(), "device/relayControl", []byte("ON"))
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSubscribeOfflineIsDeferred(t *testing.T) {
	c, err := NewConnector(Options{BrokerURL: "mqtt://localhost:1883"}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Subscribe(context.Background(), "device/voltage", func(string, []byte) {}))
	assert.Contains(t, c.subs, "device/voltage")

	require.NoError(t, c.Unsubscribe(context.Background(), "device/voltage"))
	assert.NotContains(t, c.subs, "device/voltage")
}

func TestConnectionWatchersFireOnTransitions(t *testing.T) {
	c, err := NewConnector(Options{BrokerURL: "mqtt://localhost:1883"}, nil)
	require.NoError(t, err)

	var events []bool
	c.OnConnectionChange(func(up bool) { events = append(events, up) })

	c.setConnected(true)
	c.setConnected(true)
	c.setConnected(false)

	assert.Equal(t, []bool{true, false}, events)
	assert.False(t, c.Connected())
}
