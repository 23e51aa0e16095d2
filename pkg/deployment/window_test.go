package deployment

import (
	"testing"
	"time"

	"robofleet/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestMetricWindow_AggregatesDeltas(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewMetricWindow(time.Hour)
	w.Add(model.RobotVLAMetrics{RobotID: "a", ModelVersion: "v2", TotalInferences: 100, FailedInferences: 10, Timestamp: t0})
	w.Add(model.RobotVLAMetrics{RobotID: "a", ModelVersion: "v2", TotalInferences: 200, FailedInferences: 12, TasksCompleted: 9, TasksFailed: 1, P99LatencyMs: 120, Timestamp: t0.Add(time.Minute)})
	w.Add(model.RobotVLAMetrics{RobotID: "b", ModelVersion: "v2", TotalInferences: 100, FailedInferences: 8, P99LatencyMs: 300, Timestamp: t0.Add(time.Minute)})
	// samples of another version are ignored
	w.Add(model.RobotVLAMetrics{RobotID: "c", ModelVersion: "v1", TotalInferences: 100, FailedInferences: 100, Timestamp: t0.Add(time.Minute)})

	agg := w.Aggregate("v2", t0.Add(2*time.Minute))
	assert.Equal(t, 2, agg.RobotCount)
	assert.Equal(t, 3, agg.SampleCount)
	assert.Equal(t, int64(200), agg.TotalInferences)
	assert.Equal(t, int64(10), agg.FailedInferences)
	assert.InDelta(t, 0.05, agg.ErrorRate, 1e-9)
	assert.InDelta(t, 0.95, agg.SuccessRate, 1e-9)
	assert.Equal(t, 300.0, agg.P99LatencyMs)
	assert.InDelta(t, 0.1, agg.TaskFailureRate, 1e-9)
	assert.Equal(t, t0, agg.WindowStart)
}

func TestMetricWindow_FallsBackToReportedRate(t *testing.T) {
	now := time.Now()
	w := NewMetricWindow(time.Hour)
	w.Add(model.RobotVLAMetrics{RobotID: "a", ModelVersion: "v2", ErrorRate: 0.1, Timestamp: now})
	w.Add(model.RobotVLAMetrics{RobotID: "b", ModelVersion: "v2", ErrorRate: 0.3, Timestamp: now})
	assert.InDelta(t, 0.2, w.Aggregate("v2", now).ErrorRate, 1e-9)
}

func TestMetricWindow_PrunesByAge(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewMetricWindow(10 * time.Minute)
	w.Add(model.RobotVLAMetrics{RobotID: "a", ModelVersion: "v2", TotalInferences: 10, FailedInferences: 10, Timestamp: t0})
	w.Add(model.RobotVLAMetrics{RobotID: "b", ModelVersion: "v2", TotalInferences: 10, Timestamp: t0.Add(5 * time.Minute)})

	agg := w.Aggregate("v2", t0.Add(12*time.Minute))
	assert.Equal(t, 1, agg.RobotCount)
	assert.Zero(t, agg.ErrorRate)

	w.Reset()
	assert.Zero(t, w.Aggregate("v2", t0).SampleCount)
}

func TestEvaluate_Severity(t *testing.T) {
	th := Thresholds{MaxErrorRate: 0.05, MaxP99LatencyMs: 200, MaxTaskFailureRate: 0.1}

	assert.Empty(t, Evaluate(AggregatedMetrics{ErrorRate: 0.05, P99LatencyMs: 200, TaskFailureRate: 0.1}, th, 2))

	breaches := Evaluate(AggregatedMetrics{ErrorRate: 0.07, P99LatencyMs: 150}, th, 2)
	assert.Len(t, breaches, 1)
	assert.Equal(t, SeverityWarning, breaches[0].Severity)
	_, critical := Critical(breaches)
	assert.False(t, critical)

	breaches = Evaluate(AggregatedMetrics{ErrorRate: 0.12, P99LatencyMs: 350, TaskFailureRate: 0.3}, th, 2)
	assert.Len(t, breaches, 3)
	b, critical := Critical(breaches)
	assert.True(t, critical)
	assert.Equal(t, "error_rate", b.Metric)
	assert.Equal(t, SeverityWarning, breaches[1].Severity, "350ms is under 2x the latency limit")
	assert.Equal(t, SeverityCritical, breaches[2].Severity)

	assert.Empty(t, Evaluate(AggregatedMetrics{ErrorRate: 0.9}, Thresholds{}, 2), "zero thresholds are disabled")
}
