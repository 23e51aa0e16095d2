package platform

import (
	"context"
	"testing"

	"robofleet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedArm_ExecuteAndObserve(t *testing.T) {
	arm := NewSimulatedArm(3, 2)
	ctx := context.Background()

	res, err := arm.ExecuteAction(ctx, model.Action{JointCommands: []float64{0.1, 0.2, 0.3}, GripperCommand: 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.TaskCompleted)

	res, err = arm.ExecuteAction(ctx, model.Action{JointCommands: []float64{0.2, 0.2, 0.3}})
	require.NoError(t, err)
	assert.True(t, res.TaskCompleted, "every second action completes a task")

	obs, err := arm.GenerateObservation(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.2, 0.3}, obs.JointPositions)
	assert.Len(t, obs.JointVelocities, 3)
	assert.NotEmpty(t, obs.CameraImage)
	assert.Equal(t, int64(2), arm.Executed())
}

func TestSimulatedArm_HoldAndMismatch(t *testing.T) {
	arm := NewSimulatedArm(0, 0)

	res, err := arm.ExecuteAction(context.Background(), model.HoldAction(nil, 0))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, arm.Executed())

	_, err = arm.ExecuteAction(context.Background(), model.Action{JointCommands: []float64{1}})
	assert.ErrorContains(t, err, "arm has 6")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = arm.GenerateObservation(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
