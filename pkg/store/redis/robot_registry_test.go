package redis

import (
	"context"
	"testing"
	"time"

	"robofleet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRobotRegistry_ReportAndList(t *testing.T) {
	_, rc := newTestClient(t)
	reg := NewRobotRegistry(rc, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, reg.Report(ctx, &model.Robot{ID: "r2", Type: "so101_arm", Zone: "zone-a", ModelVersion: "v1", Endpoint: "http://r2:8080"}))
	require.NoError(t, reg.Report(ctx, &model.Robot{ID: "r1", Type: "so101_arm", Zone: "zone-b", ModelVersion: "v1", Utilization: 0.4}))

	robots, err := reg.ListRobots(ctx)
	require.NoError(t, err)
	require.Len(t, robots, 2)
	assert.Equal(t, "r1", robots[0].ID)
	assert.Equal(t, model.RobotStatusOnline, robots[0].Status)
	assert.Equal(t, 0.4, robots[0].Utilization)
	assert.Equal(t, "http://r2:8080", robots[1].Endpoint)

	zoneA, err := reg.ListByZone(ctx, "zone-a")
	require.NoError(t, err)
	require.Len(t, zoneA, 1)
	assert.Equal(t, "r2", zoneA[0].ID)
}

func TestRobotRegistry_ExpiredPresenceIsOffline(t *testing.T) {
	mr, rc := newTestClient(t)
	reg := NewRobotRegistry(rc, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, reg.Report(ctx, &model.Robot{ID: "r1", Zone: "zone-a"}))
	mr.FastForward(11 * time.Second)

	robot, err := reg.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusOffline, robot.Status)
	assert.Equal(t, "zone-a", robot.Zone, "last known profile is kept")

	require.NoError(t, reg.Report(ctx, &model.Robot{ID: "r1", Zone: "zone-a", Status: model.RobotStatusEStopped}))
	robot, err = reg.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusEStopped, robot.Status)
}

func TestRobotRegistry_ZoneMoveAndDelete(t *testing.T) {
	_, rc := newTestClient(t)
	reg := NewRobotRegistry(rc, 0)
	ctx := context.Background()

	require.NoError(t, reg.Report(ctx, &model.Robot{ID: "r1", Zone: "zone-a"}))
	require.NoError(t, reg.Report(ctx, &model.Robot{ID: "r1", Zone: "zone-b"}))
	zoneA, _ := reg.ListByZone(ctx, "zone-a")
	assert.Empty(t, zoneA)
	zoneB, _ := reg.ListByZone(ctx, "zone-b")
	assert.Len(t, zoneB, 1)

	require.NoError(t, reg.Delete(ctx, "r1"))
	robots, err := reg.ListRobots(ctx)
	require.NoError(t, err)
	assert.Empty(t, robots)
	_, err = reg.Get(ctx, "r1")
	assert.Error(t, err)

	assert.Error(t, reg.Report(ctx, &model.Robot{}))
}
