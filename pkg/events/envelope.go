package events

import (
	"encoding/json"
	"fmt"
	"time"

	"robofleet/pkg/deployment"
	"robofleet/pkg/safety"
)

// Source origin of an envelope
type Source string

const (
	SourceDeployment Source = "deployment"
	SourceSafety     Source = "safety"
)

// Envelope wire form shared by the audit queue and the kafka stream
type Envelope struct {
	Source     Source            `json:"source"`
	Key        string            `json:"key"`
	Deployment *deployment.Event `json:"deployment,omitempty"`
	Safety     *safety.Event     `json:"safety,omitempty"`
	RobotID    string            `json:"robotId,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// FromDeployment wraps a deployment event, keyed by deployment id
func FromDeployment(e deployment.Event) Envelope {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		Source:     SourceDeployment,
		Key:        e.DeploymentID,
		Deployment: &e,
		RobotID:    e.RobotID,
		Timestamp:  ts,
	}
}

// FromSafety wraps a safety event of robotID, keyed by robot id
func FromSafety(robotID string, e safety.Event) Envelope {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		Source:    SourceSafety,
		Key:       robotID,
		Safety:    &e,
		RobotID:   robotID,
		Timestamp: ts,
	}
}

// Type returns the wrapped event type
func (e Envelope) Type() string {
	switch {
	case e.Deployment != nil:
		return string(e.Deployment.Type)
	case e.Safety != nil:
		return string(e.Safety.Type)
	default:
		return ""
	}
}

// Encode marshals the envelope
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Source, err)
	}
	return data, nil
}

// Decode unmarshals an envelope produced by Encode
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if e.Source != SourceDeployment && e.Source != SourceSafety {
		return Envelope{}, fmt.Errorf("unknown event source %q", e.Source)
	}
	return e, nil
}
