package deployment

import (
	"sync"
	"time"

	"robofleet/internal/model"
)

// AggregatedMetrics fleet view of a deployment's admitted robots.
// Recomputed from the window on every read.
type AggregatedMetrics struct {
	RobotCount       int       `json:"robotCount"`
	SampleCount      int       `json:"sampleCount"`
	TotalInferences  int64     `json:"totalInferences"`
	FailedInferences int64     `json:"failedInferences"`
	ErrorRate        float64   `json:"errorRate"`
	P99LatencyMs     float64   `json:"p99LatencyMs"`
	TasksCompleted   int64     `json:"tasksCompleted"`
	TasksFailed      int64     `json:"tasksFailed"`
	TaskFailureRate  float64   `json:"taskFailureRate"`
	SuccessRate      float64   `json:"successRate"`
	TaskSuccessRate  float64   `json:"taskSuccessRate"`
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
}

// MetricWindow rolling per-robot samples pruned by age
type MetricWindow struct {
	mu      sync.Mutex
	span    time.Duration
	samples map[string][]model.RobotVLAMetrics
}

// NewMetricWindow window keeping samples younger than span
func NewMetricWindow(span time.Duration) *MetricWindow {
	return &MetricWindow{span: span, samples: make(map[string][]model.RobotVLAMetrics)}
}

// Add records a sample and prunes the robot's expired ones
func (w *MetricWindow) Add(m model.RobotVLAMetrics) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[m.RobotID] = append(w.samples[m.RobotID], m)
	w.pruneLocked(m.Timestamp)
}

// Reset drops every sample, used when a new stage starts
func (w *MetricWindow) Reset() {
	w.mu.Lock()
	w.samples = make(map[string][]model.RobotVLAMetrics)
	w.mu.Unlock()
}

func (w *MetricWindow) pruneLocked(now time.Time) {
	if w.span <= 0 {
		return
	}
	cutoff := now.Add(-w.span)
	for id, list := range w.samples {
		i := 0
		for i < len(list) && list[i].Timestamp.Before(cutoff) {
			i++
		}
		if i == len(list) {
			delete(w.samples, id)
			continue
		}
		w.samples[id] = list[i:]
	}
}

// Aggregate combines samples reported for version.
// Counters are cumulative on the device, so each robot contributes the delta between
// its first and last sample; a robot with a single sample contributes its totals.
// When no inference was counted the reported error rates are averaged instead.
func (w *MetricWindow) Aggregate(version string, now time.Time) AggregatedMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	var agg AggregatedMetrics
	var rateSum float64
	var rateCount int
	for _, list := range w.samples {
		var first, last *model.RobotVLAMetrics
		for i := range list {
			if version != "" && list[i].ModelVersion != version {
				continue
			}
			if first == nil {
				first = &list[i]
			}
			last = &list[i]
			agg.SampleCount++
			if agg.WindowStart.IsZero() || list[i].Timestamp.Before(agg.WindowStart) {
				agg.WindowStart = list[i].Timestamp
			}
			if list[i].Timestamp.After(agg.WindowEnd) {
				agg.WindowEnd = list[i].Timestamp
			}
		}
		if last == nil {
			continue
		}
		agg.RobotCount++
		total, failed := last.TotalInferences, last.FailedInferences
		done, lost := last.TasksCompleted, last.TasksFailed
		if first != last {
			total = nonNegative(total - first.TotalInferences)
			failed = nonNegative(failed - first.FailedInferences)
			done = nonNegative(done - first.TasksCompleted)
			lost = nonNegative(lost - first.TasksFailed)
		}
		agg.TotalInferences += total
		agg.FailedInferences += failed
		agg.TasksCompleted += done
		agg.TasksFailed += lost
		rateSum += last.ErrorRate
		rateCount++
		if last.P99LatencyMs > agg.P99LatencyMs {
			agg.P99LatencyMs = last.P99LatencyMs
		}
	}

	switch {
	case agg.TotalInferences > 0:
		agg.ErrorRate = float64(agg.FailedInferences) / float64(agg.TotalInferences)
	case rateCount > 0:
		agg.ErrorRate = rateSum / float64(rateCount)
	}
	if tasks := agg.TasksCompleted + agg.TasksFailed; tasks > 0 {
		agg.TaskFailureRate = float64(agg.TasksFailed) / float64(tasks)
	}
	agg.SuccessRate = 1 - agg.ErrorRate
	agg.TaskSuccessRate = 1 - agg.TaskFailureRate
	return agg
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
