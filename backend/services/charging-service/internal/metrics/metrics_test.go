package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New(nil)

	m.SessionStarted("created")
	m.SessionStarted("reconciled")
	m.SessionClosed("auto")
	m.TickApplied(0.5)
	m.TickApplied(0.25)
	m.TickSkipped("no_reading")
	m.RelayFault("OFF")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsStarted.WithLabelValues("created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticksApplied))
	assert.InDelta(t, 0.75, testutil.ToFloat64(m.energyDelivered), 1e-9)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `charging_sessions_closed_total{trigger="auto"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted("created")
	m.TickApplied(1)
	m.PersistFault()
	m.SessionOpened()
	m.SessionDetached()
}
