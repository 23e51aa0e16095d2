package main

import (
	"fmt"
	"net/http"
	"time"

	"robofleet/app/handler"
	"robofleet/app/router"
	"robofleet/internal/control"
	"robofleet/internal/platform"
	"robofleet/pkg/buffer"
	"robofleet/pkg/config"
	"robofleet/pkg/estop"
	"robofleet/pkg/events"
	"robofleet/pkg/inference"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"
	"robofleet/pkg/modelmgr"
	"robofleet/pkg/safety"
	redisstore "robofleet/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// initConfig loads and validates the yaml configuration
func (app *Application) initConfig() error {
	cfg, err := config.Load(config.ResolvePath(app.configPath))
	if err != nil {
		return err
	}
	if cfg.Robot.ID == "" {
		return fmt.Errorf("robot.id is required")
	}
	app.config = cfg
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(&app.config.Logger); err != nil {
		return err
	}
	app.ctx = logger.WithTraceID(app.ctx, app.config.Robot.ID)
	return nil
}

func (app *Application) initMetrics() error {
	app.promReg = prometheus.NewRegistry()
	app.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.inferenceMetrics = metrics.NewInference(app.promReg)
	app.bufferMetrics = metrics.NewBuffer(app.promReg)
	app.safetyMetrics = metrics.NewSafety(app.promReg)
	return nil
}

// initRedis connects the fleet registry. robotd runs standalone without it.
func (app *Application) initRedis() error {
	if app.config.Redis.Addr == "" {
		logger.WarnCtx(app.ctx, "redis.addr not configured, robot will not register with the fleet")
		return nil
	}
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}
	app.redisClient = client
	app.registry = redisstore.NewRobotRegistry(client, time.Duration(app.config.Robot.PresenceTTL)*time.Second)
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
	return nil
}

func (app *Application) initStream() error {
	if !app.config.Kafka.Enabled {
		return nil
	}
	stream, err := events.NewStream(app.config)
	if err != nil {
		return err
	}
	app.stream = stream
	return nil
}

func (app *Application) initSafety() error {
	var monitor *safety.Monitor
	monitor = safety.NewMonitor(safety.Options{
		RequiresManualReset: app.config.Safety.ManualReset(),
		HeartbeatTimeout:    app.config.Safety.HeartbeatTimeout(),
		EventLogSize:        app.config.Safety.EventLogSize,
		// the arm stays stopped while the server is silent
		ResetCheck: func() error { return monitor.CheckNoProtectiveStop() },
	})
	app.safety = monitor

	robotID := app.config.Robot.ID
	app.safety.Subscribe(func(e safety.Event) {
		switch e.Type {
		case safety.EventEStopTriggered:
			app.safetyMetrics.IncTrigger(string(e.Actor))
		case safety.EventEStopReset:
			app.safetyMetrics.SetTriggered(false)
		}
		if app.stream != nil {
			if err := app.stream.PublishSafety(app.ctx, robotID, e); err != nil {
				logger.Debugf("safety event %s not streamed: %v", e.Type, err)
			}
		}
	})
	return nil
}

func (app *Application) initControl() error {
	cfg := app.config

	app.arm = platform.NewSimulatedArm(0, 0)
	app.buffer = buffer.New(buffer.Config{
		Capacity:          cfg.Buffer.Capacity,
		LowThreshold:      cfg.Buffer.LowThreshold,
		PrefetchThreshold: cfg.Buffer.PrefetchThreshold,
	})

	var fallback inference.Fallback
	if cfg.Inference.FallbackURL != "" {
		fallback = inference.NewHTTPFallback(cfg.Inference.FallbackURL, cfg.Inference.RequestTimeout())
	}
	newClient := func() (control.InferenceClient, error) {
		client, err := inference.NewClient(inference.Options{
			Transport:             inference.NewWSTransport(cfg.Inference.ServerURL, nil),
			Fallback:              fallback,
			PoolSize:              cfg.Inference.PoolSize,
			RequestTimeout:        cfg.Inference.RequestTimeout(),
			HealthCheckInterval:   cfg.Inference.HealthCheckInterval(),
			ReconnectInitialDelay: cfg.Inference.ReconnectInitialDelay(),
			ReconnectMaxDelay:     cfg.Inference.ReconnectMaxDelay(),
			ModelVersion:          cfg.Inference.ModelVersion,
			Collector:             app.inferenceMetrics,
		})
		if err != nil {
			return nil, err
		}
		client.Subscribe(func(e inference.Event) {
			if e.Type == inference.EventFallback || e.Type == inference.EventError {
				logger.Debugf("inference %s: %v", e.Type, e.Err)
			}
		})
		return client, nil
	}

	mode := control.ModeSingleShot
	if cfg.Inference.Stream {
		mode = control.ModeStream
	}
	coordinator, err := control.New(control.Options{
		RobotID:       cfg.Robot.ID,
		Embodiment:    cfg.Robot.Embodiment,
		ModelVersion:  cfg.Inference.ModelVersion,
		ControlPeriod: cfg.Robot.ControlPeriod(),
		Mode:          mode,
		Buffer:        app.buffer,
		NewClient:     newClient,
		Safety:        app.safety,
		Executor:      app.arm,
		Observations:  app.arm,
		BufferMetrics: app.bufferMetrics,
	})
	if err != nil {
		return err
	}
	app.coordinator = coordinator

	app.models = modelmgr.New(modelmgr.Options{
		RobotID:        cfg.Robot.ID,
		InitialVersion: cfg.Inference.ModelVersion,
		Loader: modelmgr.NewSimulatedLoader(
			time.Duration(cfg.ModelMgr.MinLoadMs)*time.Millisecond,
			time.Duration(cfg.ModelMgr.MaxLoadMs)*time.Millisecond,
			cfg.ModelMgr.FailureRate),
		HistorySize: cfg.ModelMgr.HistorySize,
		Activate:    coordinator.SwitchModel,
		Metrics:     coordinator.InferenceMetrics,
	})
	app.models.Subscribe(func(e modelmgr.Event) {
		if e.Type == modelmgr.EventSwitched || e.Type == modelmgr.EventSwitchFailed {
			logger.InfoCtx(app.ctx, "model %s: %s -> %s (rollback: %v) %s", e.Type, e.From, e.To, e.Rollback, e.Error)
		}
	})
	return nil
}

func (app *Application) initEStop() error {
	if !app.config.MQTT.Enabled {
		logger.WarnCtx(app.ctx, "mqtt disabled, fleet e-stop broadcasts will not reach this robot")
		return nil
	}
	clientID := app.config.MQTT.ClientID
	if clientID == "" {
		clientID = "robotd-" + app.config.Robot.ID
	}
	client, err := estop.Dial(app.config.MQTT, clientID)
	if err != nil {
		return err
	}
	app.mqttClient = client
	app.listener = estop.NewListener(client, app.config.MQTT.TopicPrefix, byte(app.config.MQTT.QoS),
		app.config.Robot.ID, app.config.Robot.Zone, app.safety)
	app.registerCleanup(func() {
		if err := app.listener.Stop(); err != nil {
			logger.WarnCtx(app.ctx, "failed to unsubscribe e-stop topics: %v", err)
		}
		client.Disconnect(250)
		logger.InfoCtx(app.ctx, "MQTT connection has been closed")
	})
	return nil
}

func (app *Application) initHandlers() error {
	app.deviceHandler = handler.NewDeviceHandler(app.models, app.coordinator)
	app.safetyHandler = handler.NewSafetyHandler(app.safety)
	return nil
}

func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewDeviceRouter(app.config.Server.APIKey, app.promReg, app.deviceHandler, app.safetyHandler)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:      app.ginEngine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return nil
}
