package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"robofleet/app/handler"
	"robofleet/internal/control"
	"robofleet/internal/jobs"
	"robofleet/internal/platform"
	"robofleet/pkg/buffer"
	"robofleet/pkg/config"
	"robofleet/pkg/constants"
	"robofleet/pkg/estop"
	"robofleet/pkg/events"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"
	"robofleet/pkg/modelmgr"
	"robofleet/pkg/safety"
	redisstore "robofleet/pkg/store/redis"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Application robotd: one robot's control stack plus its device API
type Application struct {
	configPath string
	config     *config.Config

	// Infrastructure components
	redisClient *redisstore.RedisClient // nil when no registry is configured
	registry    *redisstore.RobotRegistry
	mqttClient  mqtt.Client
	stream      *events.Stream
	promReg     *prometheus.Registry

	// Robot control stack
	arm         *platform.SimulatedArm
	buffer      *buffer.ActionBuffer
	safety      *safety.Monitor
	coordinator *control.Coordinator
	models      *modelmgr.Manager
	listener    *estop.Listener

	// Collectors
	inferenceMetrics *metrics.Inference
	bufferMetrics    *metrics.Buffer
	safetyMetrics    *metrics.Safety

	// Handler layer
	deviceHandler *handler.DeviceHandler
	safetyHandler *handler.SafetyHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication(configPath string) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		configPath:   configPath,
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Metrics", app.initMetrics},
		{"Redis", app.initRedis},
		{"Event Stream", app.initStream},
		{"Safety", app.initSafety},
		{"Control", app.initControl},
		{"E-stop Listener", app.initEStop},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed, robot_id: %s", app.config.Robot.ID)
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	if app.stream != nil {
		app.stream.Start(app.ctx)
	}

	if app.listener != nil {
		if err := app.listener.Start(app.ctx); err != nil {
			// without the fleet e-stop channel the robot must not move
			app.safety.TriggerEStop(constants.ActorSystem, "fleet e-stop channel unavailable", constants.StopCategory1)
			logger.ErrorCtx(app.ctx, "Failed to subscribe to e-stop topics: %v", err)
		}
	}

	if app.jobsManager != nil {
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Stop motion first
	logger.InfoCtx(app.ctx, "Stopping control session...")
	app.coordinator.Shutdown()
	app.safety.StopHeartbeat()

	// 2. Cancel background tasks
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// 3. Stop HTTP server
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 4. Wait for all background tasks to complete
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	if app.stream != nil {
		if err := app.stream.Stop(shutdownCtx); err != nil {
			logger.WarnCtx(app.ctx, "Event stream did not drain: %v", err)
		}
	}

	// 5. Execute all cleanup functions (in reverse registration order)
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	_ = logger.Sync()
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
