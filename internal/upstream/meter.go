package upstream

import (
	"sync"
	"time"

	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
)

// Health reasons.
const (
	ReasonStalled       = "stalled"
	ReasonLowThroughput = "low_throughput"
	ReasonLowSpeed      = "low_speed"
)

// Health is a liveness judgment of an open handle.
type Health struct {
	BytesPerSecond        float64 `json:"bytes_per_second"`
	SecondsSinceLastChunk float64 `json:"seconds_since_last_chunk"`
	// Alive turns false when no chunk arrived within the stall timeout or
	// throughput stayed low for the sustained window.
	Alive bool `json:"is_alive"`
	// Degraded is set while throughput is below threshold but the handle is
	// still considered alive.
	Degraded bool    `json:"degraded"`
	Speed    float64 `json:"speed,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

type sample struct {
	at time.Time
	n  int
}

// Meter tracks chunk arrivals and derives Health from them.
type Meter struct {
	mu  sync.Mutex
	cfg config.HealthConfig
	now func() time.Time

	started   time.Time
	lastChunk time.Time
	total     uint64
	chunks    uint64
	window    []sample
	lowSince  time.Time

	speed func() float64
}

// NewMeter creates a meter whose clock starts now.
func NewMeter(cfg config.HealthConfig) *Meter {
	m := &Meter{cfg: cfg, now: time.Now}
	m.reset()
	return m
}

// WithClock replaces the time source and restarts the meter.
func (m *Meter) WithClock(now func() time.Time) *Meter {
	m.mu.Lock()
	m.now = now
	m.reset()
	m.mu.Unlock()
	return m
}

// WithSpeedSource adds a transcoder speed signal (1.0 = realtime) judged
// against the minimum speed ratio.
func (m *Meter) WithSpeedSource(fn func() float64) *Meter {
	m.mu.Lock()
	m.speed = fn
	m.mu.Unlock()
	return m
}

func (m *Meter) reset() {
	now := m.now()
	m.started = now
	m.lastChunk = now
	m.window = m.window[:0]
	m.lowSince = time.Time{}
}

// Record notes the arrival of n bytes.
func (m *Meter) Record(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.lastChunk = now
	m.total += uint64(n)
	m.chunks++
	m.window = append(m.window, sample{at: now, n: n})
	m.trimLocked(now)
}

func (m *Meter) trimLocked(now time.Time) {
	if m.cfg.SpeedWindow <= 0 {
		m.window = m.window[:0]
		return
	}
	cutoff := now.Add(-m.cfg.SpeedWindow)
	i := 0
	for i < len(m.window) && m.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.window = append(m.window[:0], m.window[i:]...)
	}
}

// Totals returns bytes and chunks seen, the start time and the last chunk time.
func (m *Meter) Totals() (bytes, chunks uint64, started, lastChunk time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total, m.chunks, m.started, m.lastChunk
}

// Health evaluates the handle at the current time.
func (m *Meter) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.trimLocked(now)

	h := Health{Alive: true}
	since := now.Sub(m.lastChunk)
	h.SecondsSinceLastChunk = since.Seconds()

	elapsed := now.Sub(m.started)
	span := m.cfg.SpeedWindow
	if elapsed < span {
		span = elapsed
	}
	if span > 0 {
		var sum int
		for _, s := range m.window {
			sum += s.n
		}
		h.BytesPerSecond = float64(sum) / span.Seconds()
	}

	if m.cfg.StallTimeout > 0 && since > m.cfg.StallTimeout {
		h.Alive = false
		h.Reason = ReasonStalled
		return h
	}

	// Throughput is only judged once a full window has been observed.
	low := false
	if m.cfg.MinBytesPerSecond > 0 && m.cfg.SpeedWindow > 0 && elapsed >= m.cfg.SpeedWindow &&
		h.BytesPerSecond < m.cfg.MinBytesPerSecond {
		low = true
		h.Reason = ReasonLowThroughput
	}
	if m.speed != nil {
		h.Speed = m.speed()
		if m.cfg.MinSpeedRatio > 0 && h.Speed > 0 && h.Speed < m.cfg.MinSpeedRatio {
			low = true
			h.Reason = ReasonLowSpeed
		}
	}

	if !low {
		m.lowSince = time.Time{}
		return h
	}

	if m.lowSince.IsZero() {
		m.lowSince = now
	}
	h.Degraded = true
	if m.cfg.SustainedLowWindow > 0 && now.Sub(m.lowSince) >= m.cfg.SustainedLowWindow {
		h.Alive = false
	}
	return h
}
