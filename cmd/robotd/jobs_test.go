package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"robofleet/internal/control"
	"robofleet/internal/model"
	"robofleet/internal/platform"
	"robofleet/pkg/buffer"
	"robofleet/pkg/config"
	"robofleet/pkg/constants"
	"robofleet/pkg/safety"
	redisstore "robofleet/pkg/store/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPresenceFixture(t *testing.T) (*redisstore.RobotRegistry, *control.Coordinator, *safety.Monitor) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisstore.WrapClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })

	monitor := safety.NewMonitor(safety.Options{RequiresManualReset: true})
	arm := platform.NewSimulatedArm(0, 0)
	coordinator, err := control.New(control.Options{
		RobotID:      "arm-01",
		ModelVersion: "v1",
		Buffer:       buffer.New(buffer.Config{Capacity: 8}),
		NewClient: func() (control.InferenceClient, error) {
			return nil, errors.New("no inference in this test")
		},
		Safety:       monitor,
		Executor:     arm,
		Observations: arm,
	})
	require.NoError(t, err)
	return redisstore.NewRobotRegistry(rc, time.Minute), coordinator, monitor
}

func TestPresenceJob_ReportsRobot(t *testing.T) {
	registry, coordinator, monitor := newPresenceFixture(t)
	robot := config.RobotConfig{ID: "arm-01", Type: "so101", Zone: "cell-a", AdvertiseURL: "http://10.0.0.7:8080"}
	job := newPresenceJob(10*time.Second, robot, registry, coordinator, monitor)
	assert.Equal(t, "robot-presence", job.Name())
	assert.Equal(t, 10*time.Second, job.Interval())

	ctx := context.Background()
	require.NoError(t, job.Run(ctx))

	robots, err := registry.ListByZone(ctx, "cell-a")
	require.NoError(t, err)
	require.Len(t, robots, 1)
	assert.Equal(t, model.RobotStatusOnline, robots[0].Status)
	assert.Equal(t, "http://10.0.0.7:8080", robots[0].Endpoint)
	assert.Equal(t, "v1", robots[0].ModelVersion)
}

func TestPresenceJob_ReportsEStop(t *testing.T) {
	registry, coordinator, monitor := newPresenceFixture(t)
	job := newPresenceJob(time.Second, config.RobotConfig{ID: "arm-01"}, registry, coordinator, monitor)

	monitor.TriggerEStop(constants.ActorLocal, "button", constants.StopCategory0)
	require.NoError(t, job.Run(context.Background()))

	r, err := registry.Get(context.Background(), "arm-01")
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusEStopped, r.Status)
}
