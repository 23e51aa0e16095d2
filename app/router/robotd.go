package router

import (
	"net/http"

	"robofleet/app/handler"
	"robofleet/app/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DeviceRouter route table of robotd
type DeviceRouter struct {
	apiKey        string
	gatherer      prometheus.Gatherer
	deviceHandler *handler.DeviceHandler
	safetyHandler *handler.SafetyHandler
}

// NewDeviceRouter creates robotd routes
func NewDeviceRouter(apiKey string, gatherer prometheus.Gatherer, deviceHandler *handler.DeviceHandler, safetyHandler *handler.SafetyHandler) *DeviceRouter {
	return &DeviceRouter{
		apiKey:        apiKey,
		gatherer:      gatherer,
		deviceHandler: deviceHandler,
		safetyHandler: safetyHandler,
	}
}

// Setup sets up routes
func (r *DeviceRouter) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery(r.safetyHandler.StopOnPanic))
	engine.Use(middleware.Logger())

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(r.apiKey))
	{
		// Device RPC used by the fleet orchestrator
		api.POST("/model/switch", r.deviceHandler.SwitchModel)
		api.GET("/model", r.deviceHandler.GetModel)
		api.GET("/metrics", r.deviceHandler.Metrics)
		api.GET("/inference/metrics", r.deviceHandler.InferenceMetrics)

		// Control session
		api.POST("/session", r.deviceHandler.StartSession)
		api.GET("/session", r.deviceHandler.GetSession)
		api.DELETE("/session", r.deviceHandler.StopSession)

		safety := api.Group("/safety")
		{
			safety.GET("", r.safetyHandler.GetState)
			safety.POST("/estop", r.safetyHandler.TriggerEStop)
			safety.POST("/reset", r.safetyHandler.ResetEStop)
			safety.POST("/mode", r.safetyHandler.SetMode)
			safety.POST("/heartbeat", r.safetyHandler.Heartbeat)
			safety.POST("/heartbeat/start", r.safetyHandler.StartHeartbeat)
			safety.POST("/heartbeat/stop", r.safetyHandler.StopHeartbeat)
			safety.GET("/events", r.safetyHandler.Events)
		}
	}

	setupCommon(engine, r.gatherer)
}

func setupCommon(engine *gin.Engine, gatherer prometheus.Gatherer) {
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
