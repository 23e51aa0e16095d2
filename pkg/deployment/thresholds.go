package deployment

import "fmt"

// Severity of a threshold breach
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Breach one metric over its limit
type Breach struct {
	Metric    string   `json:"metric"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	Severity  Severity `json:"severity"`
}

func (b Breach) String() string {
	return fmt.Sprintf("%s %s: %.4g > %.4g", b.Severity, b.Metric, b.Value, b.Threshold)
}

// Evaluate compares aggregated metrics with the thresholds.
// A value above its threshold is a warning, above threshold*criticalMultiplier it is critical.
func Evaluate(m AggregatedMetrics, t Thresholds, criticalMultiplier float64) []Breach {
	if criticalMultiplier < 1 {
		criticalMultiplier = 1
	}
	var out []Breach
	check := func(metric string, value, limit float64) {
		if limit <= 0 || value <= limit {
			return
		}
		sev := SeverityWarning
		if value > limit*criticalMultiplier {
			sev = SeverityCritical
		}
		out = append(out, Breach{Metric: metric, Value: value, Threshold: limit, Severity: sev})
	}
	check("error_rate", m.ErrorRate, t.MaxErrorRate)
	check("p99_latency_ms", m.P99LatencyMs, t.MaxP99LatencyMs)
	check("task_failure_rate", m.TaskFailureRate, t.MaxTaskFailureRate)
	return out
}

// Critical first critical breach, if any
func Critical(breaches []Breach) (Breach, bool) {
	for _, b := range breaches {
		if b.Severity == SeverityCritical {
			return b, true
		}
	}
	return Breach{}, false
}
