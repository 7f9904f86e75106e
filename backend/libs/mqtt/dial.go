package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const defaultMaxRetryDelay = 2 * time.Minute

// reconnectPacer spaces broker dial attempts with exponential backoff.
// The first attempt, and the first one after a connection went up, is immediate.
type reconnectPacer struct {
	mu     sync.Mutex
	policy *backoff.ExponentialBackOff
	fresh  bool
	after  func(time.Duration) <-chan time.Time
}

func newReconnectPacer(initial, max time.Duration) *reconnectPacer {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = max
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()
	return &reconnectPacer{policy: policy, fresh: true, after: time.After}
}

// wait blocks for the next backoff interval.
func (p *reconnectPacer) wait(ctx context.Context) error {
	p.mu.Lock()
	var delay time.Duration
	if !p.fresh {
		delay = p.policy.NextBackOff()
	}
	p.fresh = false
	p.mu.Unlock()

	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.after(delay):
		return nil
	}
}

// reset is called once a connection is up.
func (p *reconnectPacer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy.Reset()
	p.fresh = true
}

// dialer opens the transport for one broker URL. autopaho calls it for every attempt.
type dialer struct {
	pacer     *reconnectPacer
	timeout   time.Duration
	tlsConfig *tls.Config
	wsDialer  func(*tls.Config) *websocket.Dialer
}

func (d *dialer) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	if err := d.pacer.wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch scheme := strings.ToLower(u.Scheme); {
	case isWebSocket(scheme):
		var tlsConfig *tls.Config
		if scheme == "wss" {
			tlsConfig = d.tlsConfig
		}
		ws, _, err := d.wsDialer(tlsConfig).DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("mqtt: dial %s: %w", u.Redacted(), err)
		}
		return &wsConn{Conn: ws}, nil
	case usesTLS(scheme):
		td := &tls.Dialer{Config: d.tlsConfig}
		return td.DialContext(ctx, "tcp", u.Host)
	case scheme == "mqtt", scheme == "tcp":
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q", u.Scheme)
	}
}

// wsConn adapts a websocket connection to the byte stream paho expects.
// MQTT packets travel in binary frames.
type wsConn struct {
	*websocket.Conn

	rmu    sync.Mutex
	reader io.Reader
	wmu    sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.reader == nil {
			_, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
