package model

import (
	"time"
)

// RobotStatus registry status of a fleet device
type RobotStatus string

const (
	RobotStatusOnline   RobotStatus = "ONLINE"   // reachable and accepting commands
	RobotStatusOffline  RobotStatus = "OFFLINE"  // presence expired
	RobotStatusEStopped RobotStatus = "ESTOPPED" // E-stop triggered, cannot take new models
)

// Robot fleet device as seen by the registry
type Robot struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Zone         string      `json:"zone"`
	Status       RobotStatus `json:"status"`
	Endpoint     string      `json:"endpoint"` // device API base URL
	ModelVersion string      `json:"model_version"`
	Utilization  float64     `json:"utilization"` // 0..1
	LastSeen     time.Time   `json:"last_seen"`
}

// SwitchModelRequest server to robot model switch
type SwitchModelRequest struct {
	ModelVersionID string `json:"modelVersionId" binding:"required"`
	ArtifactURI    string `json:"artifactUri"`
	Rollback       bool   `json:"rollback,omitempty"`
}

// SwitchStatus outcome of a model switch
type SwitchStatus string

const (
	SwitchStatusSwitched SwitchStatus = "switched"
	SwitchStatusFailed   SwitchStatus = "failed"
)

// SwitchModelResponse robot to server model switch result
type SwitchModelResponse struct {
	RobotID              string       `json:"robotId"`
	PreviousModelVersion string       `json:"previousModelVersion"`
	NewModelVersion      string       `json:"newModelVersion"`
	Status               SwitchStatus `json:"status"`
	SwitchTimeMs         int64        `json:"switchTimeMs"`
	Error                string       `json:"error,omitempty"`
	Timestamp            time.Time    `json:"timestamp"`
}

// RobotVLAMetrics per-robot inference metrics polled by the orchestrator
type RobotVLAMetrics struct {
	RobotID          string    `json:"robotId"`
	ModelVersion     string    `json:"modelVersion"`
	TotalInferences  int64     `json:"totalInferences"`
	FailedInferences int64     `json:"failedInferences"`
	FallbackCount    int64     `json:"fallbackCount"`
	ErrorRate        float64   `json:"errorRate"`
	AvgLatencyMs     float64   `json:"avgLatencyMs"`
	P99LatencyMs     float64   `json:"p99LatencyMs"`
	TasksCompleted   int64     `json:"tasksCompleted"`
	TasksFailed      int64     `json:"tasksFailed"`
	BufferUnderruns  int64     `json:"bufferUnderruns"`
	Utilization      float64   `json:"utilization"`
	Timestamp        time.Time `json:"timestamp"`
}

// TaskFailureRate ratio of failed tasks over all finished tasks
func (m *RobotVLAMetrics) TaskFailureRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(m.TasksFailed) / float64(total)
}
