package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt: not connected")

const (
	defaultKeepAlive  = 20
	defaultRetryDelay = 5 * time.Second
	defaultTimeout    = 10 * time.Second

	// autopaho sleeps this long between rounds; the real spacing comes from reconnectPacer.
	roundDelay = time.Millisecond
)

// Options configures the broker connection.
type Options struct {
	BrokerURL          string
	ClientID           string
	Username           string
	Password           string
	KeepAlive          uint16
	// ConnectRetryDelay is the first reconnect delay. It doubles per failed attempt up to MaxConnectRetryDelay.
	ConnectRetryDelay    time.Duration
	MaxConnectRetryDelay time.Duration
	ConnectTimeout       time.Duration
	InsecureSkipVerify bool
}

// MessageHandler receives the topic and raw payload of an inbound message.
type MessageHandler func(topic string, payload []byte)

// Connector is a reconnecting MQTT v5 client. Subscriptions survive reconnects.
type Connector struct {
	logger *zap.Logger
	cfg    autopaho.ClientConfig
	router *paho.StandardRouter
	pacer  *reconnectPacer

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	cancel   context.CancelFunc
	subs     map[string]struct{}
	watchers []func(up bool)

	connected atomic.Bool
}

// NewConnector validates options and prepares the client configuration. It does not dial.
func NewConnector(opts Options, logger *zap.Logger) (*Connector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(strings.TrimSpace(opts.BrokerURL))
	if err != nil {
		return nil, fmt.Errorf("mqtt: parse broker url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mqtt: broker url %q must include scheme and host", opts.BrokerURL)
	}
	if opts.ClientID == "" {
		opts.ClientID = "chargeflow-" + uuid.NewString()
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ConnectRetryDelay <= 0 {
		opts.ConnectRetryDelay = defaultRetryDelay
	}
	if opts.MaxConnectRetryDelay < opts.ConnectRetryDelay {
		opts.MaxConnectRetryDelay = max(defaultMaxRetryDelay, opts.ConnectRetryDelay)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultTimeout
	}

	c := &Connector{
		logger: logger.With(zap.String("component", "mqtt"), zap.String("client_id", opts.ClientID)),
		router: paho.NewStandardRouter(),
		subs:   make(map[string]struct{}),
		pacer:  newReconnectPacer(opts.ConnectRetryDelay, opts.MaxConnectRetryDelay),
	}
	d := &dialer{
		pacer:   c.pacer,
		timeout: opts.ConnectTimeout,
		wsDialer: func(tlsCfg *tls.Config) *websocket.Dialer {
			return &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: opts.ConnectTimeout,
				TLSClientConfig:  tlsCfg,
				Subprotocols:     []string{"mqtt"},
			}
		},
	}

	c.cfg = autopaho.ClientConfig{
		BrokerUrls:        []*url.URL{u},
		KeepAlive:         opts.KeepAlive,
		ConnectRetryDelay: roundDelay,
		ConnectTimeout:    opts.ConnectTimeout,
		AttemptConnection: func(ctx context.Context, _ autopaho.ClientConfig, u *url.URL) (net.Conn, error) {
			return d.dial(ctx, u)
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connect attempt failed", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			Router:   c.router,
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", zap.Error(err))
				c.setConnected(false)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					c.logger.Warn("mqtt server requested disconnect", zap.String("reason", d.Properties.ReasonString))
				} else {
					c.logger.Warn("mqtt server requested disconnect", zap.Uint8("reason_code", d.ReasonCode))
				}
				c.setConnected(false)
			},
		},
	}
	if opts.Username != "" {
		c.cfg.SetUsernamePassword(opts.Username, []byte(opts.Password))
	}
	if usesTLS(u.Scheme) {
		c.cfg.TlsCfg = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
		d.tlsConfig = c.cfg.TlsCfg
	}

	return c, nil
}

func usesTLS(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "ssl", "tls", "mqtts", "tcps", "wss":
		return true
	}
	return false
}

func isWebSocket(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "ws", "wss":
		return true
	}
	return false
}

// Connect starts the connection manager and waits for the first CONNACK or ctx expiry.
// The manager keeps reconnecting in the background until Disconnect.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cm != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(runCtx, c.cfg)
	if err != nil {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("mqtt: start connection: %w", err)
	}
	c.cm = cm
	c.cancel = cancel
	c.mu.Unlock()

	if err := cm.AwaitConnection(ctx); err != nil {
		c.mu.Lock()
		c.cm = nil
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Disconnect sends DISCONNECT and stops reconnecting.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm, cancel := c.cm, c.cancel
	c.cm, c.cancel = nil, nil
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	err := cm.Disconnect(ctx)
	cancel()
	c.setConnected(false)
	return err
}

// Connected reports whether the broker session is currently up.
func (c *Connector) Connected() bool {
	return c.connected.Load()
}

// OnConnectionChange registers fn to be called on every up/down transition.
func (c *Connector) OnConnectionChange(fn func(up bool)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// Subscribe routes messages on topic to handler and subscribes with QoS 1.
// When offline the subscription is sent on the next connection.
func (c *Connector) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	c.router.RegisterHandler(topic, func(p *paho.Publish) {
		handler(p.Topic, p.Payload)
	})

	c.mu.Lock()
	c.subs[topic] = struct{}{}
	cm := c.cm
	c.mu.Unlock()

	if cm == nil || !c.Connected() {
		return nil
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe drops the handler and the broker subscription for topic.
func (c *Connector) Unsubscribe(ctx context.Context, topic string) error {
	c.router.UnregisterHandler(topic)

	c.mu.Lock()
	delete(c.subs, topic)
	cm := c.cm
	c.mu.Unlock()

	if cm == nil || !c.Connected() {
		return nil
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
		return fmt.Errorf("mqtt: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload with QoS 1. It fails fast with ErrNotConnected when offline.
func (c *Connector) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()

	if cm == nil || !c.Connected() {
		return ErrNotConnected
	}
	if _, err := cm.Publish(ctx, &paho.Publish{QoS: 1, Topic: topic, Payload: payload}); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (c *Connector) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.logger.Info("mqtt connection up")
	c.pacer.reset()
	c.setConnected(true)

	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	if len(topics) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()

		opts := make([]paho.SubscribeOptions, 0, len(topics))
		for _, topic := range topics {
			opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 1})
		}
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
			c.logger.Error("mqtt resubscribe failed", zap.Strings("topics", topics), zap.Error(err))
		}
	}()
}

func (c *Connector) setConnected(up bool) {
	if c.connected.Swap(up) == up {
		return
	}
	c.mu.Lock()
	watchers := append([]func(bool){}, c.watchers...)
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(up)
	}
}
