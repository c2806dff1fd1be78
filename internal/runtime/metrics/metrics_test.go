package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()

	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg))

	other := New()
	require.NoError(t, other.Register(reg), "already registered collectors are not an error")
}

func TestCountersMove(t *testing.T) {
	m := New()
	require.NoError(t, m.Register(prometheus.NewRegistry()))

	m.ObserveCall("request", "user.get", "200", time.Millisecond)
	m.ObserveCall("request", "user.get", "200", time.Millisecond)
	m.FramesSent("Room", "chat", 3)
	m.FramesSent("Room", "chat", 0)
	m.SendFailed("Room")
	m.Compacted("threshold")
	m.QueueOutcome("jobs", "dropped")
	m.RateLimited("ip")
	m.SetSessions("Room", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("request", "user.get", "200")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.framesSent.WithLabelValues("Room", "chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures.WithLabelValues("Room")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compactions.WithLabelValues("threshold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueOutcomes.WithLabelValues("jobs", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("ip")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessions.WithLabelValues("Room")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		require.NoError(t, m.Register(nil))
		m.ObserveCall("request", "x", "500", time.Second)
		m.SetSessions("Room", 1)
		m.FramesSent("Room", "x", 1)
		m.SendFailed("Room")
		m.Compacted("commit")
		m.QueueOutcome("q", "acked")
		m.RateLimited("ip")
	})
}
