package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dispatcharr_proxy"

// Metrics holds the Prometheus collectors for the streaming proxy.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsByState     *prometheus.GaugeVec
	ClientsConnected    prometheus.Gauge
	ClientsDropped      *prometheus.CounterVec
	UpstreamBytes       prometheus.Counter
	DownstreamBytes     prometheus.Counter
	SlotAcquisitions    *prometheus.CounterVec
	LedgerViolations    prometheus.Counter
	Failovers           *prometheus.CounterVec
	CandidatesExhausted prometheus.Counter
	TranscoderProcesses prometheus.Gauge
	ConnectDuration     prometheus.Histogram
	registry            *prometheus.Registry
}

// NewMetrics creates the proxy metrics and registers them on registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register proxy metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.SessionsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions",
		Help:      "Number of channel sessions by state",
	}, []string{"state"})

	m.ClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "clients_connected",
		Help:      "Number of attached viewer connections",
	})

	m.ClientsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "clients_dropped_total",
		Help:      "Viewer connections closed by the proxy, by reason",
	}, []string{"reason"})

	m.UpstreamBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "upstream_bytes_total",
		Help:      "Bytes received from upstream sources",
	})

	m.DownstreamBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "downstream_bytes_total",
		Help:      "Bytes written to viewer connections",
	})

	m.SlotAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "slot_acquisitions_total",
		Help:      "Connection slot acquisition attempts, by result",
	}, []string{"result"})

	m.LedgerViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ledger_violations_total",
		Help:      "Slot ledger invariant violations detected",
	})

	m.Failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "failovers_total",
		Help:      "Session failovers, by failure kind",
	}, []string{"reason"})

	m.CandidatesExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "candidates_exhausted_total",
		Help:      "Sessions that ran out of upstream candidates",
	})

	m.TranscoderProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "transcoder_processes",
		Help:      "Running transcoder child processes",
	})

	m.ConnectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "upstream_connect_seconds",
		Help:      "Time from slot grant to first upstream byte",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.SessionsByState.Describe(ch)
	m.ClientsConnected.Describe(ch)
	m.ClientsDropped.Describe(ch)
	m.UpstreamBytes.Describe(ch)
	m.DownstreamBytes.Describe(ch)
	m.SlotAcquisitions.Describe(ch)
	m.LedgerViolations.Describe(ch)
	m.Failovers.Describe(ch)
	m.CandidatesExhausted.Describe(ch)
	m.TranscoderProcesses.Describe(ch)
	m.ConnectDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.SessionsByState.Collect(ch)
	m.ClientsConnected.Collect(ch)
	m.ClientsDropped.Collect(ch)
	m.UpstreamBytes.Collect(ch)
	m.DownstreamBytes.Collect(ch)
	m.SlotAcquisitions.Collect(ch)
	m.LedgerViolations.Collect(ch)
	m.Failovers.Collect(ch)
	m.CandidatesExhausted.Collect(ch)
	m.TranscoderProcesses.Collect(ch)
	m.ConnectDuration.Collect(ch)
}

// Registry returns the registry the metrics were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionTransition moves one session from one state gauge to another.
// An empty from only increments.
func (m *Metrics) SessionTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.SessionsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.SessionsByState.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) ClientAttached() {
	if m == nil {
		return
	}
	m.ClientsConnected.Inc()
}

func (m *Metrics) ClientDetached() {
	if m == nil {
		return
	}
	m.ClientsConnected.Dec()
}

// ClientDropped records a proxy-initiated disconnect such as a lagging reader.
func (m *Metrics) ClientDropped(reason string) {
	if m == nil {
		return
	}
	m.ClientsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddUpstreamBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UpstreamBytes.Add(float64(n))
}

func (m *Metrics) AddDownstreamBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DownstreamBytes.Add(float64(n))
}

// SlotAcquisition records a ledger decision; result is "granted" or "denied".
func (m *Metrics) SlotAcquisition(result string) {
	if m == nil {
		return
	}
	m.SlotAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerViolation() {
	if m == nil {
		return
	}
	m.LedgerViolations.Inc()
}

func (m *Metrics) Failover(reason string) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(reason).Inc()
}

func (m *Metrics) Exhausted() {
	if m == nil {
		return
	}
	m.CandidatesExhausted.Inc()
}

func (m *Metrics) TranscoderStarted() {
	if m == nil {
		return
	}
	m.TranscoderProcesses.Inc()
}

func (m *Metrics) TranscoderExited() {
	if m == nil {
		return
	}
	m.TranscoderProcesses.Dec()
}

func (m *Metrics) ObserveConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(d.Seconds())
}
