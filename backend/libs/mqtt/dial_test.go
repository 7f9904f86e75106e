package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPacer returns a pacer whose waits are recorded instead of slept.
func recordingPacer(initial, max time.Duration) (*reconnectPacer, *[]time.Duration) {
	p := newReconnectPacer(initial, max)
	p.policy.RandomizationFactor = 0
	p.policy.Reset()
	var waits []time.Duration
	p.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return p, &waits
}

func TestReconnectPacerGrowsAndResets(t *testing.T) {
	p, waits := recordingPacer(time.Second, 5*time.Second)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, p.wait(ctx))
	}
	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5 * time.Second,
	}, *waits, "first attempt is immediate, later ones back off up to the cap")

	p.reset()
	*waits = nil
	require.NoError(t, p.wait(ctx))
	require.NoError(t, p.wait(ctx))
	assert.Equal(t, []time.Duration{time.Second}, *waits)
}

func TestReconnectPacerHonoursContext(t *testing.T) {
	p := newReconnectPacer(time.Hour, time.Hour)
	require.NoError(t, p.wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.wait(ctx), context.Canceled)
}

func TestNewConnectorDefaultsRetryCap(t *testing.T) {
	c, err := NewConnector(Options{BrokerURL: "mqtt://localhost:1883", ConnectRetryDelay: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.pacer.policy.InitialInterval)
	assert.Equal(t, defaultMaxRetryDelay, c.pacer.policy.MaxInterval)
}

func TestDialerOpensTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Write([]byte{0x20})
			conn.Close()
		}
	}()

	p, _ := recordingPacer(time.Millisecond, time.Millisecond)
	d := &dialer{pacer: p, timeout: time.Second}
	conn, err := d.dial(context.Background(), &url.URL{Scheme: "mqtt", Host: ln.Addr().String()})
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x20), buf[0])

	_, err = d.dial(context.Background(), &url.URL{Scheme: "gopher", Host: "x"})
	assert.Error(t, err)
}

func TestDialerFramesWebSocketAsBinaryStream(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		kind, msg, err := ws.ReadMessage()
		if err != nil || kind != websocket.BinaryMessage {
			return
		}
		_ = ws.WriteMessage(websocket.BinaryMessage, msg[:2])
		_ = ws.WriteMessage(websocket.BinaryMessage, msg[2:])
	}))
	defer srv.Close()

	p, _ := recordingPacer(time.Millisecond, time.Millisecond)
	d := &dialer{
		pacer:   p,
		timeout: time.Second,
		wsDialer: func(tlsCfg *tls.Config) *websocket.Dialer {
			return &websocket.Dialer{TLSClientConfig: tlsCfg, Subprotocols: []string{"mqtt"}}
		},
	}
	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http") + "/mqtt")
	require.NoError(t, err)

	conn, err := d.dial(context.Background(), u)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))

	n, err := conn.Write([]byte{0x10, 0x02, 0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got := make([]byte, 0, 4)
	buf := make([]byte, 8)
	for len(got) < 4 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, []byte{0x10, 0x02, 0xAA, 0xBB}, got)
}
