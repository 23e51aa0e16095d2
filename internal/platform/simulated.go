// Package platform holds robot platform adapters. Only a simulated arm ships
// with robotd; real hardware drivers implement the same two interfaces.
package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"robofleet/internal/control"
	"robofleet/internal/model"
)

const (
	defaultDOF            = 6
	defaultActionsPerTask = 50
)

// SimulatedArm in-memory arm that applies joint commands instantly
type SimulatedArm struct {
	dof            int
	actionsPerTask int
	frame          []byte

	mu        sync.Mutex
	joints    []float64
	velocity  []float64
	gripper   float64
	executed  int64
	lastApply time.Time
}

// NewSimulatedArm creates an arm with dof joints completing one task every
// actionsPerTask executed actions
func NewSimulatedArm(dof, actionsPerTask int) *SimulatedArm {
	if dof <= 0 {
		dof = defaultDOF
	}
	if actionsPerTask <= 0 {
		actionsPerTask = defaultActionsPerTask
	}
	return &SimulatedArm{
		dof:            dof,
		actionsPerTask: actionsPerTask,
		frame:          make([]byte, 224*224*3/64),
		joints:         make([]float64, dof),
		velocity:       make([]float64, dof),
	}
}

// ExecuteAction implements control.ActionExecutor
func (a *SimulatedArm) ExecuteAction(ctx context.Context, action model.Action) (control.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return control.ExecutionResult{}, err
	}
	// hold actions issued before the first real action carry no joints
	if len(action.JointCommands) == 0 {
		return control.ExecutionResult{Success: true, Message: "hold"}, nil
	}
	if len(action.JointCommands) != a.dof {
		return control.ExecutionResult{Message: "dimension mismatch"},
			fmt.Errorf("action has %d joints, arm has %d", len(action.JointCommands), a.dof)
	}

	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	dt := now.Sub(a.lastApply).Seconds()
	for i, target := range action.JointCommands {
		if !a.lastApply.IsZero() && dt > 0 {
			a.velocity[i] = (target - a.joints[i]) / dt
		}
		a.joints[i] = target
	}
	a.gripper = action.GripperCommand
	a.lastApply = now
	a.executed++
	return control.ExecutionResult{
		Success:       true,
		TaskCompleted: a.executed%int64(a.actionsPerTask) == 0,
	}, nil
}

// GenerateObservation implements control.ObservationSource
func (a *SimulatedArm) GenerateObservation(ctx context.Context) (*model.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	obs := &model.Observation{
		CameraImage:     a.frame,
		JointPositions:  append([]float64(nil), a.joints...),
		JointVelocities: append([]float64(nil), a.velocity...),
		Timestamp:       model.UnixSeconds(time.Now()),
	}
	return obs, nil
}

// Executed number of non-hold actions applied
func (a *SimulatedArm) Executed() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executed
}
