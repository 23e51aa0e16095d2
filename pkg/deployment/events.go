package deployment

import (
	"time"

	"robofleet/pkg/constants"
)

// EventType deployment lifecycle notification
type EventType string

const (
	EventCreated          EventType = "created"
	EventStarted          EventType = "started"
	EventStageStarted     EventType = "stage:started"
	EventStageCompleted   EventType = "stage:completed"
	EventRobotDeployed    EventType = "robot:deployed"
	EventRobotFailed      EventType = "robot:failed"
	EventThresholdWarning EventType = "metrics:threshold_warning"
	EventRollbackStarted  EventType = "rollback:started"
	EventRollbackDone     EventType = "rollback:completed"
	EventPromoted         EventType = "promoted"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventCancelled        EventType = "cancelled"
)

// Event one transition; optional fields are set per type
type Event struct {
	Type         EventType                  `json:"type"`
	DeploymentID string                     `json:"deploymentId"`
	Status       constants.DeploymentStatus `json:"status"`
	Stage        int                        `json:"stage"`
	RobotID      string                     `json:"robotId,omitempty"`
	Result       *RobotDeployResult         `json:"result,omitempty"`
	Breaches     []Breach                   `json:"breaches,omitempty"`
	Reason       string                     `json:"reason,omitempty"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// Listener receives deployment events synchronously
type Listener func(Event)
