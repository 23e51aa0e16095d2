package main

import (
	"context"
	"time"

	"robofleet/internal/jobs"
	"robofleet/internal/model"
	"robofleet/pkg/deployment"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"

	"go.uber.org/zap"
)

const censusInterval = time.Minute

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)
	manager.Register(newFleetCensusJob(censusInterval, app.robotRegistry, app.fleetMetrics))
	app.jobsManager = manager
	return nil
}

// fleetCensusJob publishes robot counts per registry status
type fleetCensusJob struct {
	interval time.Duration
	robots   deployment.RobotSource
	metrics  *metrics.Fleet
}

func newFleetCensusJob(interval time.Duration, robots deployment.RobotSource, m *metrics.Fleet) jobs.Job {
	return &fleetCensusJob{
		interval: interval,
		robots:   robots,
		metrics:  m,
	}
}

func (j *fleetCensusJob) Name() string {
	return "fleet-census"
}

func (j *fleetCensusJob) Interval() time.Duration {
	return j.interval
}

func (j *fleetCensusJob) Run(ctx context.Context) error {
	robots, err := j.robots.ListRobots(ctx)
	if err != nil {
		return err
	}
	counts := map[string]int{
		string(model.RobotStatusOnline):   0,
		string(model.RobotStatusOffline):  0,
		string(model.RobotStatusEStopped): 0,
	}
	for _, r := range robots {
		counts[string(r.Status)]++
	}
	j.metrics.SetRobots(counts)
	logger.DebugCtx(ctx, "fleet census: total=%d online=%d offline=%d estopped=%d", len(robots),
		counts[string(model.RobotStatusOnline)], counts[string(model.RobotStatusOffline)], counts[string(model.RobotStatusEStopped)])
	return nil
}

func deploymentFields(e deployment.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("deployment_id", e.DeploymentID),
		zap.String("status", string(e.Status)),
		zap.Int("stage", e.Stage),
	}
	if e.RobotID != "" {
		fields = append(fields, zap.String("robot_id", e.RobotID))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	for _, b := range e.Breaches {
		fields = append(fields, zap.Stringer("breach", b))
	}
	return fields
}
