package router

import (
	"robofleet/app/handler"
	"robofleet/app/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// FleetRouter route table of fleetd
type FleetRouter struct {
	apiKey            string
	gatherer          prometheus.Gatherer
	deploymentHandler *handler.DeploymentHandler
	safetyHandler     *handler.FleetSafetyHandler // nil when MQTT is disabled
}

// NewFleetRouter creates fleetd routes
func NewFleetRouter(apiKey string, gatherer prometheus.Gatherer, deploymentHandler *handler.DeploymentHandler, safetyHandler *handler.FleetSafetyHandler) *FleetRouter {
	return &FleetRouter{
		apiKey:            apiKey,
		gatherer:          gatherer,
		deploymentHandler: deploymentHandler,
		safetyHandler:     safetyHandler,
	}
}

// Setup sets up routes
func (r *FleetRouter) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(r.apiKey))
	{
		deployments := api.Group("/deployments")
		{
			deployments.POST("", r.deploymentHandler.Create)
			deployments.GET("", r.deploymentHandler.List)
			deployments.GET("/history", r.deploymentHandler.History) // archived, from mysql
			deployments.GET("/:id", r.deploymentHandler.Get)
			deployments.GET("/:id/metrics", r.deploymentHandler.Metrics)
			deployments.POST("/:id/rollback", r.deploymentHandler.Rollback)
			deployments.POST("/:id/cancel", r.deploymentHandler.Cancel)
		}

		api.GET("/robots", r.deploymentHandler.Robots)

		if r.safetyHandler != nil {
			safety := api.Group("/safety")
			{
				safety.POST("/estop", r.safetyHandler.TriggerEStop)
				safety.POST("/reset", r.safetyHandler.ResetEStop)
			}
		}
	}

	setupCommon(engine, r.gatherer)
}
