package inference

import (
	"math"
	"sort"
	"sync"
	"time"

	"robofleet/internal/model"
)

const latencySampleSize = 1000

// Outcome of one prediction
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFallback Outcome = "fallback"
	OutcomeError    Outcome = "error"
)

// MetricsSnapshot client-side view of inference health
type MetricsSnapshot struct {
	TotalRequests     int64     `json:"totalRequests"`
	Successes         int64     `json:"successes"`
	Fallbacks         int64     `json:"fallbacks"`
	Failures          int64     `json:"failures"`
	ErrorRate         float64   `json:"errorRate"`
	AvgLatencyMs      float64   `json:"avgLatencyMs"`
	P50LatencyMs      float64   `json:"p50LatencyMs"`
	P95LatencyMs      float64   `json:"p95LatencyMs"`
	P99LatencyMs      float64   `json:"p99LatencyMs"`
	ReconnectAttempts int64     `json:"reconnectAttempts"`
	StreamChunks      int64     `json:"streamChunks"`
	LastSuccessAt     time.Time `json:"lastSuccessAt,omitempty"`

	Pool       PoolStats           `json:"pool"`
	LastHealth *model.HealthStatus `json:"lastHealth,omitempty"`
}

// clientMetrics counters plus a bounded latency ring
type clientMetrics struct {
	mu         sync.Mutex
	samples    []float64
	next       int
	filled     bool
	total      int64
	successes  int64
	fallbacks  int64
	failures   int64
	reconnects int64
	chunks     int64
	lastOK     time.Time
}

func newClientMetrics() *clientMetrics {
	return &clientMetrics{samples: make([]float64, latencySampleSize)}
}

func (m *clientMetrics) record(outcome Outcome, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	switch outcome {
	case OutcomeSuccess:
		m.successes++
	case OutcomeFallback:
		m.fallbacks++
	case OutcomeError:
		m.failures++
		return
	}
	m.lastOK = time.Now()
	m.addSampleLocked(float64(latency) / float64(time.Millisecond))
}

func (m *clientMetrics) recordChunk(latencyMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
	m.addSampleLocked(latencyMs)
}

func (m *clientMetrics) recordReconnect() {
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
}

func (m *clientMetrics) addSampleLocked(ms float64) {
	m.samples[m.next] = ms
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.filled = true
	}
}

func (m *clientMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = len(m.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, m.samples[:n])
	snap := MetricsSnapshot{
		TotalRequests:     m.total,
		Successes:         m.successes,
		Fallbacks:         m.fallbacks,
		Failures:          m.failures,
		ReconnectAttempts: m.reconnects,
		StreamChunks:      m.chunks,
		LastSuccessAt:     m.lastOK,
	}
	m.mu.Unlock()

	if snap.TotalRequests > 0 {
		snap.ErrorRate = float64(snap.Failures) / float64(snap.TotalRequests)
	}
	if len(sorted) == 0 {
		return snap
	}
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	snap.AvgLatencyMs = sum / float64(len(sorted))
	snap.P50LatencyMs = Percentile(sorted, 0.50)
	snap.P95LatencyMs = Percentile(sorted, 0.95)
	snap.P99LatencyMs = Percentile(sorted, 0.99)
	return snap
}

// Percentile nearest-rank percentile of an ascending slice
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
