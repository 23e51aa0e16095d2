package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"robofleet/app/handler"
	"robofleet/internal/jobs"
	"robofleet/pkg/config"
	"robofleet/pkg/deployment"
	"robofleet/pkg/estop"
	"robofleet/pkg/events"
	"robofleet/pkg/fleet"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"
	mysqlstore "robofleet/pkg/store/mysql"
	redisstore "robofleet/pkg/store/redis"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Application fleetd: deployment orchestration and fleet safety broadcast
type Application struct {
	configPath string
	config     *config.Config

	// Infrastructure components
	redisClient *redisstore.RedisClient
	mysqlRepo   *mysqlstore.Repository // nil when the archive is disabled
	mqttClient  mqtt.Client
	promReg     *prometheus.Registry

	// Repository layer
	deploymentRepo *redisstore.DeploymentRepository
	robotRegistry  *redisstore.RobotRegistry

	// Event sinks
	auditQueue *events.AuditQueue
	stream     *events.Stream

	// Service layer
	fleetClient  *fleet.Client
	orchestrator *deployment.Orchestrator
	broadcaster  *estop.Broadcaster

	deploymentMetrics *metrics.Deployment
	fleetMetrics      *metrics.Fleet

	// Handler layer
	deploymentHandler  *handler.DeploymentHandler
	fleetSafetyHandler *handler.FleetSafetyHandler

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
		{"MySQL", app.initMySQL},
		{"Repository Layer", app.initRepositories},
		{"Event Sinks", app.initEventSinks},
		{"Orchestrator", app.initOrchestrator},
		{"E-stop Broadcaster", app.initBroadcaster},
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

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	if app.stream != nil {
		app.stream.Start(app.ctx)
	}

	if app.auditQueue != nil {
		if err := app.auditQueue.Start(); err != nil {
			return fmt.Errorf("failed to start audit queue: %w", err)
		}
	}

	// resume deployments left running by a previous process
	if err := app.orchestrator.Restore(app.ctx); err != nil {
		logger.ErrorCtx(app.ctx, "Failed to restore deployments: %v", err)
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

	// 1. Stop accepting new requests
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 2. Release deployment timers, state stays in redis for the next process
	logger.InfoCtx(app.ctx, "Stopping orchestrator...")
	app.orchestrator.Shutdown(shutdownCtx)

	// 3. Cancel background tasks
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
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

	// 5. Flush event sinks
	if app.stream != nil {
		if err := app.stream.Stop(shutdownCtx); err != nil {
			logger.WarnCtx(app.ctx, "Event stream did not drain: %v", err)
		}
	}
	if app.auditQueue != nil {
		app.auditQueue.Stop()
	}

	// 6. Execute all cleanup functions (in reverse registration order)
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
