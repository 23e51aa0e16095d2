package main

import (
	"fmt"
	"net/http"
	"time"

	"robofleet/app/handler"
	"robofleet/app/router"
	"robofleet/pkg/config"
	"robofleet/pkg/deployment"
	"robofleet/pkg/estop"
	"robofleet/pkg/events"
	"robofleet/pkg/fleet"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"
	"robofleet/pkg/notification"
	mysqlstore "robofleet/pkg/store/mysql"
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
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required by fleetd")
	}
	app.config = cfg
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	return logger.Init(&app.config.Logger)
}

func (app *Application) initMetrics() error {
	app.promReg = prometheus.NewRegistry()
	app.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.deploymentMetrics = metrics.NewDeployment(app.promReg)
	app.fleetMetrics = metrics.NewFleet(app.promReg)
	return nil
}

// initRedis initializes Redis client
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}
	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
	return nil
}

// initMySQL opens the deployment archive when enabled
func (app *Application) initMySQL() error {
	if !app.config.MySQL.Enabled {
		logger.WarnCtx(app.ctx, "MySQL disabled, finished deployments will not be archived")
		return nil
	}
	repo, err := mysqlstore.NewRepository(app.config.MySQL.DSN())
	if err != nil {
		return err
	}
	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})
	return nil
}

// initRepositories initializes repository layer
func (app *Application) initRepositories() error {
	app.deploymentRepo = redisstore.NewDeploymentRepository(app.redisClient)
	app.robotRegistry = redisstore.NewRobotRegistry(app.redisClient, time.Duration(app.config.Robot.PresenceTTL)*time.Second)
	return nil
}

func (app *Application) initEventSinks() error {
	if app.config.Queue.Enabled {
		q, err := events.NewAuditQueue(app.config, events.NewAuditHandler(nil))
		if err != nil {
			return err
		}
		app.auditQueue = q
	}
	if app.config.Kafka.Enabled {
		stream, err := events.NewStream(app.config)
		if err != nil {
			return err
		}
		app.stream = stream
	}
	return nil
}

func (app *Application) initOrchestrator() error {
	cfg := app.config.Deployment

	app.fleetClient = fleet.NewClient(app.config.Server.APIKey, time.Duration(cfg.SwitchTimeoutMs)*time.Millisecond)

	var sinks []deployment.EventSink
	if app.auditQueue != nil {
		sinks = append(sinks, app.auditQueue)
	}
	if app.stream != nil {
		sinks = append(sinks, app.stream)
	}
	if notifier := notification.NewFeishuNotifier(app.config.Notify.FeishuWebhookURL); notifier.Enabled() {
		sinks = append(sinks, notifier)
	}

	opts := deployment.Options{
		Robots:             app.robotRegistry,
		Switcher:           app.fleetClient,
		Metrics:            app.fleetClient,
		Store:              app.deploymentRepo,
		Sinks:              sinks,
		Collector:          app.deploymentMetrics,
		PollInterval:       time.Duration(cfg.PollIntervalSec) * time.Second,
		CheckInterval:      time.Duration(cfg.CheckIntervalSec) * time.Second,
		Window:             time.Duration(cfg.MetricsWindowMin) * time.Minute,
		SuccessThreshold:   cfg.SuccessThreshold,
		CriticalMultiplier: cfg.CriticalMultiplier,
		MaxUtilization:     cfg.MaxUtilization,
		SwitchTimeout:      time.Duration(cfg.SwitchTimeoutMs) * time.Millisecond,
		MetricsTimeout:     time.Duration(cfg.MetricsTimeoutMs) * time.Millisecond,
		DefaultStages:      deployment.StagesFromConfig(cfg.DefaultStages),
		DefaultThresholds:  deployment.ThresholdsFromConfig(cfg.DefaultThresholds),
		Locks: func(id string) deployment.Lock {
			return redisstore.NewDeploymentLock(app.redisClient, id)
		},
	}
	if app.mysqlRepo != nil {
		opts.Archive = app.mysqlRepo.Deployments
	}

	o, err := deployment.NewOrchestrator(opts)
	if err != nil {
		return err
	}
	o.Subscribe(func(e deployment.Event) {
		logger.Info(fmt.Sprintf("deployment %s", e.Type), deploymentFields(e)...)
	})
	app.orchestrator = o
	return nil
}

func (app *Application) initBroadcaster() error {
	if !app.config.MQTT.Enabled {
		logger.WarnCtx(app.ctx, "MQTT disabled, fleet e-stop endpoints are not served")
		return nil
	}
	clientID := app.config.MQTT.ClientID
	if clientID == "" {
		clientID = "fleetd"
	}
	client, err := estop.Dial(app.config.MQTT, clientID)
	if err != nil {
		return err
	}
	app.mqttClient = client
	app.broadcaster = estop.NewBroadcaster(client, app.config.MQTT.TopicPrefix, byte(app.config.MQTT.QoS))
	app.registerCleanup(func() {
		client.Disconnect(250)
		logger.InfoCtx(app.ctx, "MQTT connection has been closed")
	})
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	var history handler.DeploymentHistory
	if app.mysqlRepo != nil {
		history = app.mysqlRepo.Deployments
	}
	app.deploymentHandler = handler.NewDeploymentHandler(app.orchestrator, history, app.robotRegistry)
	if app.broadcaster != nil {
		app.fleetSafetyHandler = handler.NewFleetSafetyHandler(app.broadcaster)
	}
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewFleetRouter(app.config.Server.APIKey, app.promReg, app.deploymentHandler, app.fleetSafetyHandler)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:      app.ginEngine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return nil
}
