package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Same(t, registry, m.Registry())

	_, err = NewMetrics(registry)
	assert.Error(t, err, "registering twice should fail")
}

func TestMetrics_SessionTransition(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SessionTransition("", "IDLE")
	m.SessionTransition("IDLE", "ACQUIRING")
	m.SessionTransition("ACQUIRING", "STREAMING")

	assert.InDelta(t, 0, testutil.ToFloat64(m.SessionsByState.WithLabelValues("IDLE")), 0.001)
	assert.InDelta(t, 0, testutil.ToFloat64(m.SessionsByState.WithLabelValues("ACQUIRING")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsByState.WithLabelValues("STREAMING")), 0.001)
}

func TestMetrics_Counters(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ClientAttached()
	m.ClientAttached()
	m.ClientDetached()
	m.ClientDropped("lagged")
	m.AddUpstreamBytes(1000)
	m.AddUpstreamBytes(-5)
	m.AddDownstreamBytes(250)
	m.SlotAcquisition("granted")
	m.SlotAcquisition("denied")
	m.SlotAcquisition("denied")
	m.LedgerViolation()
	m.Failover("stream_stalled")
	m.Exhausted()
	m.TranscoderStarted()
	m.ObserveConnect(120 * time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(m.ClientsConnected), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ClientsDropped.WithLabelValues("lagged")), 0.001)
	assert.InDelta(t, 1000, testutil.ToFloat64(m.UpstreamBytes), 0.001)
	assert.InDelta(t, 250, testutil.ToFloat64(m.DownstreamBytes), 0.001)
	assert.InDelta(t, 2, testutil.ToFloat64(m.SlotAcquisitions.WithLabelValues("denied")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.LedgerViolations), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Failovers.WithLabelValues("stream_stalled")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CandidatesExhausted), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.TranscoderProcesses), 0.001)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionTransition("IDLE", "DEAD")
		m.ClientAttached()
		m.ClientDetached()
		m.ClientDropped("lagged")
		m.AddUpstreamBytes(10)
		m.AddDownstreamBytes(10)
		m.SlotAcquisition("granted")
		m.LedgerViolation()
		m.Failover("connect_failure")
		m.Exhausted()
		m.TranscoderStarted()
		m.TranscoderExited()
		m.ObserveConnect(time.Second)
	})
	assert.Nil(t, m.Registry())
}
