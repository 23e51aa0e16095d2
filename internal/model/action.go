package model

import "time"

// Action single timestep robot command. Immutable once produced.
type Action struct {
	JointCommands  []float64 `json:"joint_commands"`
	GripperCommand float64   `json:"gripper_command"`
	Timestamp      float64   `json:"timestamp"` // unix seconds
}

// HoldAction returns an action that keeps the given joints where they are with the gripper unchanged
func HoldAction(jointPositions []float64, gripper float64) Action {
	joints := make([]float64, len(jointPositions))
	copy(joints, jointPositions)
	return Action{
		JointCommands:  joints,
		GripperCommand: gripper,
		Timestamp:      UnixSeconds(time.Now()),
	}
}

// ActionChunk predicted action sequence returned by one inference call
type ActionChunk struct {
	Actions         []Action `json:"actions"`
	InferenceTimeMs float64  `json:"inference_time_ms"`
	ModelVersion    string   `json:"model_version"`
	Confidence      float64  `json:"confidence"`
	SequenceNumber  int64    `json:"sequence_number"`
}

// Observation robot sensory state sent for one prediction
type Observation struct {
	CameraImage     []byte    `json:"camera_image"`
	JointPositions  []float64 `json:"joint_positions"`
	JointVelocities []float64 `json:"joint_velocities"`
	Instruction     string    `json:"language_instruction"`
	Timestamp       float64   `json:"timestamp"`
	EmbodimentTag   string    `json:"embodiment_tag"`
	SessionID       string    `json:"session_id,omitempty"`
}

// ModelInfo metadata exposed by the inference server
type ModelInfo struct {
	ModelName            string   `json:"model_name"`
	ModelVersion         string   `json:"model_version"`
	ActionDim            int      `json:"action_dim"`
	ChunkSize            int      `json:"chunk_size"`
	SupportedEmbodiments []string `json:"supported_embodiments"`
	ImageWidth           int      `json:"image_width"`
	ImageHeight          int      `json:"image_height"`
	BaseModel            string   `json:"base_model"`
}

// SupportsEmbodiment reports whether the model accepts observations for tag.
// An empty list means the server did not advertise any restriction.
func (m *ModelInfo) SupportsEmbodiment(tag string) bool {
	if m == nil || len(m.SupportedEmbodiments) == 0 {
		return true
	}
	for _, e := range m.SupportedEmbodiments {
		if e == tag {
			return true
		}
	}
	return false
}

// HealthStatus inference server health check response
type HealthStatus struct {
	Healthy        bool    `json:"healthy"`
	ModelLoaded    bool    `json:"model_loaded"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	GPUUtilization float64 `json:"gpu_utilization"`
	Message        string  `json:"message,omitempty"`
}

// UnixSeconds converts t to fractional unix seconds as used on the wire
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
