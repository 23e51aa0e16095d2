package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"robofleet/internal/model"
	"robofleet/pkg/config"
	"robofleet/pkg/constants"
)

var (
	ErrNotFound     = errors.New("deployment not found")
	ErrInvalidState = errors.New("invalid deployment state")
	ErrInvalid      = errors.New("invalid deployment request")
	ErrNotOwner     = errors.New("deployment is driven by another orchestrator")
)

// Stage one canary step: a fraction of the eligible fleet held for a duration
type Stage struct {
	Percentage  float64 `json:"percentage"`
	DurationMin int     `json:"durationMin"`
}

// Duration stage hold time
func (s Stage) Duration() time.Duration {
	return time.Duration(s.DurationMin) * time.Minute
}

// Thresholds rollback limits; zero disables a limit
type Thresholds struct {
	MaxErrorRate       float64 `json:"maxErrorRate"`
	MaxP99LatencyMs    float64 `json:"maxP99LatencyMs"`
	MaxTaskFailureRate float64 `json:"maxTaskFailureRate"`
}

// DeploymentContext mutable rollout state owned by one deployment
type DeploymentContext struct {
	StageStartedAt   time.Time         `json:"stageStartedAt"`
	AssignedRobotIDs []string          `json:"assignedRobotIds"`
	PreviousVersions map[string]string `json:"previousVersions"`
}

// RobotDeployResult per-robot outcome of a switch issued by the orchestrator
type RobotDeployResult struct {
	RobotID         string    `json:"robotId"`
	Stage           int       `json:"stage"`
	Rollback        bool      `json:"rollback"`
	Success         bool      `json:"success"`
	PreviousVersion string    `json:"previousVersion,omitempty"`
	NewVersion      string    `json:"newVersion"`
	SwitchTimeMs    int64     `json:"switchTimeMs"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Deployment staged rollout of one model version across the fleet
type Deployment struct {
	ID               string                       `json:"id"`
	ModelVersionID   string                       `json:"modelVersionId"`
	ArtifactURI      string                       `json:"artifactUri,omitempty"`
	Strategy         constants.DeploymentStrategy `json:"strategy"`
	TargetRobotTypes []string                     `json:"targetRobotTypes,omitempty"`
	TargetZones      []string                     `json:"targetZones,omitempty"`
	Stages           []Stage                      `json:"stages"`
	Thresholds       Thresholds                   `json:"rollbackThresholds"`
	CurrentStage     int                          `json:"currentStage"`
	Status           constants.DeploymentStatus   `json:"status"`
	Context          DeploymentContext            `json:"context"`
	Excluded         map[string]string            `json:"excluded,omitempty"` // robot id -> ineligibility reason
	Results          []RobotDeployResult          `json:"results,omitempty"`
	RollbackReason   string                       `json:"rollbackReason,omitempty"`
	CreatedBy        string                       `json:"createdBy,omitempty"`
	CreatedAt        time.Time                    `json:"createdAt"`
	UpdatedAt        time.Time                    `json:"updatedAt"`
	CompletedAt      *time.Time                   `json:"completedAt,omitempty"`
}

// Clone deep copy safe to hand out of the orchestrator
func (d *Deployment) Clone() *Deployment {
	c := *d
	c.TargetRobotTypes = append([]string(nil), d.TargetRobotTypes...)
	c.TargetZones = append([]string(nil), d.TargetZones...)
	c.Stages = append([]Stage(nil), d.Stages...)
	c.Context.AssignedRobotIDs = append([]string(nil), d.Context.AssignedRobotIDs...)
	c.Context.PreviousVersions = make(map[string]string, len(d.Context.PreviousVersions))
	for k, v := range d.Context.PreviousVersions {
		c.Context.PreviousVersions[k] = v
	}
	c.Excluded = make(map[string]string, len(d.Excluded))
	for k, v := range d.Excluded {
		c.Excluded[k] = v
	}
	c.Results = append([]RobotDeployResult(nil), d.Results...)
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CanaryConfig operator supplied stage list
type CanaryConfig struct {
	Stages []Stage `json:"stages"`
}

// StartRequest operator request to start a deployment
type StartRequest struct {
	ModelVersionID     string                       `json:"modelVersionId" binding:"required"`
	ArtifactURI        string                       `json:"artifactUri"`
	Strategy           constants.DeploymentStrategy `json:"strategy"`
	TargetRobotTypes   []string                     `json:"targetRobotTypes"`
	TargetZones        []string                     `json:"targetZones"`
	CanaryConfig       *CanaryConfig                `json:"canaryConfig"`
	RollbackThresholds *Thresholds                  `json:"rollbackThresholds"`
	CreatedBy          string                       `json:"createdBy"`
}

// Snapshot deployment plus its current aggregated metrics
type Snapshot struct {
	Deployment *Deployment        `json:"deployment"`
	Metrics    *AggregatedMetrics `json:"metrics"`
}

// StagesFromConfig converts configured stages
func StagesFromConfig(stages []config.StageConfig) []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		out[i] = Stage{Percentage: s.Percentage, DurationMin: s.DurationMin}
	}
	return out
}

// ThresholdsFromConfig converts configured thresholds
func ThresholdsFromConfig(t config.ThresholdConfig) Thresholds {
	return Thresholds{
		MaxErrorRate:       t.MaxErrorRate,
		MaxP99LatencyMs:    t.MaxP99LatencyMs,
		MaxTaskFailureRate: t.MaxTaskFailureRate,
	}
}

func validateStages(stages []Stage) error {
	cfg := make([]config.StageConfig, len(stages))
	for i, s := range stages {
		cfg[i] = config.StageConfig{Percentage: s.Percentage, DurationMin: s.DurationMin}
	}
	if err := config.ValidateStages(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validateThresholds(t Thresholds) error {
	if t.MaxErrorRate < 0 || t.MaxErrorRate > 1 {
		return fmt.Errorf("%w: maxErrorRate must be in [0,1]", ErrInvalid)
	}
	if t.MaxTaskFailureRate < 0 || t.MaxTaskFailureRate > 1 {
		return fmt.Errorf("%w: maxTaskFailureRate must be in [0,1]", ErrInvalid)
	}
	if t.MaxP99LatencyMs < 0 {
		return fmt.Errorf("%w: maxP99LatencyMs must not be negative", ErrInvalid)
	}
	return nil
}

// RobotSource lists the fleet
type RobotSource interface {
	ListRobots(ctx context.Context) ([]model.Robot, error)
}

// ModelSwitcher issues the device-facing model switch RPC
type ModelSwitcher interface {
	SwitchModel(ctx context.Context, robot model.Robot, req model.SwitchModelRequest) (model.SwitchModelResponse, error)
}

// RobotMetricsSource polls a device's inference metrics
type RobotMetricsSource interface {
	GetRobotVLAMetrics(ctx context.Context, robot model.Robot) (model.RobotVLAMetrics, error)
}

// Store persists non-terminal deployments so they survive a restart
type Store interface {
	Save(ctx context.Context, d *Deployment) error
	List(ctx context.Context) ([]*Deployment, error)
	Delete(ctx context.Context, id string) error
}

// Archive records terminal deployments
type Archive interface {
	Archive(ctx context.Context, d *Deployment) error
}

// EventSink forwards deployment events to external observers
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

// Lock ownership of one deployment across orchestrator replicas
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// LockFactory creates the lock for a deployment id
type LockFactory func(deploymentID string) Lock
