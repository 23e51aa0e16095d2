package main

import (
	"context"
	"time"

	"robofleet/internal/control"
	"robofleet/internal/jobs"
	"robofleet/internal/model"
	"robofleet/pkg/config"
	"robofleet/pkg/logger"
	"robofleet/pkg/safety"
	redisstore "robofleet/pkg/store/redis"
)

func (app *Application) initJobs() error {
	if app.registry == nil {
		logger.WarnCtx(app.ctx, "Robot registry not configured, skipping presence reporting")
		return nil
	}

	manager := jobs.NewManager(app.ctx)
	interval := time.Duration(app.config.Robot.PresenceEvery) * time.Second
	manager.Register(newPresenceJob(interval, app.config.Robot, app.registry, app.coordinator, app.safety))

	app.jobsManager = manager
	return nil
}

// presenceJob keeps this robot's registry entry fresh so fleetd can target it
type presenceJob struct {
	interval    time.Duration
	robot       config.RobotConfig
	registry    *redisstore.RobotRegistry
	coordinator *control.Coordinator
	safety      *safety.Monitor
}

func newPresenceJob(interval time.Duration, robot config.RobotConfig, registry *redisstore.RobotRegistry,
	coordinator *control.Coordinator, monitor *safety.Monitor) jobs.Job {
	return &presenceJob{
		interval:    interval,
		robot:       robot,
		registry:    registry,
		coordinator: coordinator,
		safety:      monitor,
	}
}

func (j *presenceJob) Name() string {
	return "robot-presence"
}

func (j *presenceJob) Interval() time.Duration {
	return j.interval
}

func (j *presenceJob) Run(ctx context.Context) error {
	status := model.RobotStatusOnline
	if !j.safety.CanExecute() {
		status = model.RobotStatusEStopped
	}
	m := j.coordinator.RobotMetrics()

	robot := &model.Robot{
		ID:           j.robot.ID,
		Type:         j.robot.Type,
		Zone:         j.robot.Zone,
		Status:       status,
		Endpoint:     j.robot.AdvertiseURL,
		ModelVersion: j.coordinator.ModelVersion(),
		Utilization:  m.Utilization,
		LastSeen:     time.Now(),
	}
	if err := j.registry.Report(ctx, robot); err != nil {
		return err
	}
	logger.DebugCtx(ctx, "presence reported: status=%s model=%s utilization=%.2f", status, robot.ModelVersion, robot.Utilization)
	return nil
}
