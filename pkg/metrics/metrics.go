package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Latency buckets tuned for VLA inference (20-200ms typical)
var latencyBuckets = []float64{
	0.005, 0.01, 0.02, 0.03, 0.04, 0.05, 0.075,
	0.1, 0.15, 0.2, 0.3, 0.5, 1.0, 2.0, 5.0,
}

// Inference collectors for the inference client. All methods are nil-safe.
type Inference struct {
	latency    *prometheus.HistogramVec
	requests   *prometheus.CounterVec
	reconnects prometheus.Counter
	chunks     prometheus.Counter
}

// NewInference registers inference collectors on reg
func NewInference(reg prometheus.Registerer) *Inference {
	m := &Inference{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "robofleet_inference_latency_seconds",
			Help:    "Round trip latency of inference requests.",
			Buckets: latencyBuckets,
		}, []string{"path"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robofleet_inference_requests_total",
			Help: "Inference requests by outcome (success, fallback, error).",
		}, []string{"status"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robofleet_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by the inference client.",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robofleet_stream_chunks_total",
			Help: "Action chunks received over streaming sessions.",
		}),
	}
	reg.MustRegister(m.latency, m.requests, m.reconnects, m.chunks)
	return m
}

// ObserveRequest records one request outcome with its latency
func (m *Inference) ObserveRequest(path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	if status != "error" {
		m.latency.WithLabelValues(path).Observe(d.Seconds())
	}
}

// IncReconnect counts one scheduled reconnect
func (m *Inference) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// IncStreamChunk counts one streamed chunk
func (m *Inference) IncStreamChunk() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

// Buffer collectors for the action buffer
type Buffer struct {
	fill      prometheus.Gauge
	underruns prometheus.Counter
	dropped   prometheus.Counter
}

// NewBuffer registers action buffer collectors on reg
func NewBuffer(reg prometheus.Registerer) *Buffer {
	m := &Buffer{
		fill: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robofleet_action_buffer_fill",
			Help: "Fill ratio of the action buffer (0..1).",
		}),
		underruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robofleet_action_buffer_underruns_total",
			Help: "Control ticks that found the action buffer empty.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robofleet_action_buffer_dropped_total",
			Help: "Predicted actions dropped because the buffer was full.",
		}),
	}
	reg.MustRegister(m.fill, m.underruns, m.dropped)
	return m
}

func (m *Buffer) SetFill(ratio float64) {
	if m == nil {
		return
	}
	m.fill.Set(ratio)
}

func (m *Buffer) IncUnderrun() {
	if m == nil {
		return
	}
	m.underruns.Inc()
}

func (m *Buffer) AddDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(float64(n))
}

// Deployment collectors for the orchestrator
type Deployment struct {
	active prometheus.Gauge
	events *prometheus.CounterVec
	robots *prometheus.CounterVec
}

// NewDeployment registers orchestrator collectors on reg
func NewDeployment(reg prometheus.Registerer) *Deployment {
	m := &Deployment{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robofleet_deployments_active",
			Help: "Deployments currently running or rolling back.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robofleet_deployment_events_total",
			Help: "Deployment lifecycle events by type.",
		}, []string{"type"}),
		robots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robofleet_robot_switches_total",
			Help: "Per-robot model switch outcomes issued by the orchestrator.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.active, m.events, m.robots)
	return m
}

func (m *Deployment) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Deployment) IncEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Deployment) IncRobotSwitch(status string) {
	if m == nil {
		return
	}
	m.robots.WithLabelValues(status).Inc()
}

// Safety collectors for the safety monitor
type Safety struct {
	triggered prometheus.Gauge
	triggers  *prometheus.CounterVec
}

// NewSafety registers safety collectors on reg
func NewSafety(reg prometheus.Registerer) *Safety {
	m := &Safety{
		triggered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robofleet_estop_triggered",
			Help: "1 while the e-stop is triggered or resetting.",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robofleet_estop_triggers_total",
			Help: "E-stop triggers by actor.",
		}, []string{"actor"}),
	}
	reg.MustRegister(m.triggered, m.triggers)
	return m
}

func (m *Safety) IncTrigger(actor string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(actor).Inc()
	m.triggered.Set(1)
}

func (m *Safety) SetTriggered(on bool) {
	if m == nil {
		return
	}
	if on {
		m.triggered.Set(1)
		return
	}
	m.triggered.Set(0)
}

// Fleet registry census
type Fleet struct {
	robots *prometheus.GaugeVec
}

// NewFleet registers fleet collectors on reg
func NewFleet(reg prometheus.Registerer) *Fleet {
	m := &Fleet{
		robots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robofleet_robots",
			Help: "Registered robots by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.robots)
	return m
}

// SetRobots replaces the census. Statuses missing from counts drop to zero.
func (m *Fleet) SetRobots(counts map[string]int) {
	if m == nil {
		return
	}
	m.robots.Reset()
	for status, n := range counts {
		m.robots.WithLabelValues(status).Set(float64(n))
	}
}
