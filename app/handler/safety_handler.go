package handler

import (
	"fmt"
	"net/http"

	"robofleet/pkg/constants"
	"robofleet/pkg/logger"
	"robofleet/pkg/safety"

	"github.com/gin-gonic/gin"
)

// SafetyHandler robotd safety API over the local safety monitor
type SafetyHandler struct {
	monitor *safety.Monitor
}

// NewSafetyHandler creates safety handler
func NewSafetyHandler(monitor *safety.Monitor) *SafetyHandler {
	return &SafetyHandler{monitor: monitor}
}

// StopOnPanic latches a category 1 stop after a handler panic
func (h *SafetyHandler) StopOnPanic(c *gin.Context, recovered interface{}) {
	h.monitor.TriggerEStop(constants.ActorSystem, fmt.Sprintf("api panic: %v", recovered), constants.StopCategory1)
}

// EStopRequest body of TriggerEStop
type EStopRequest struct {
	Reason   string                 `json:"reason"`
	Category constants.StopCategory `json:"category"`
	Local    bool                   `json:"local"` // pressed on the robot's own panel
}

// ResetRequest body of ResetEStop
type ResetRequest struct {
	Manual *bool `json:"manual"` // defaults to true
}

// ModeRequest body of SetMode
type ModeRequest struct {
	Mode constants.OperatingMode `json:"mode" binding:"required"`
}

// GetState current safety state with effective limits
func (h *SafetyHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":          h.monitor.State(),
		"canExecute":     h.monitor.CanExecute(),
		"maxSpeedMmPerS": h.monitor.GetEffectiveSpeedLimit(),
		"maxForceN":      h.monitor.GetEffectiveForceLimit(),
	})
}

// TriggerEStop triggers the e-stop
// @Router /api/v1/safety/estop [post]
func (h *SafetyHandler) TriggerEStop(c *gin.Context) {
	var req EStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if !req.Category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stop category"})
		return
	}
	actor := constants.ActorRemote
	if req.Local {
		actor = constants.ActorLocal
	}
	h.monitor.TriggerEStop(actor, req.Reason, req.Category)
	c.JSON(http.StatusOK, h.monitor.State())
}

// ResetEStop runs the reset sequence
// @Router /api/v1/safety/reset [post]
func (h *SafetyHandler) ResetEStop(c *gin.Context) {
	var req ResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	manual := req.Manual == nil || *req.Manual
	if err := h.monitor.ResetEStop(constants.ActorRemote, manual); err != nil {
		logger.WarnCtx(c.Request.Context(), "e-stop reset refused: %v", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.monitor.State())
}

// SetMode switches the operating mode
func (h *SafetyHandler) SetMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode required"})
		return
	}
	if err := h.monitor.SetOperatingMode(req.Mode, constants.ActorRemote); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.monitor.State())
}

// StartHeartbeat enables the heartbeat watchdog
func (h *SafetyHandler) StartHeartbeat(c *gin.Context) {
	h.monitor.StartHeartbeat()
	c.JSON(http.StatusOK, h.monitor.State())
}

// StopHeartbeat disables the heartbeat watchdog
func (h *SafetyHandler) StopHeartbeat(c *gin.Context) {
	h.monitor.StopHeartbeat()
	c.JSON(http.StatusOK, h.monitor.State())
}

// Heartbeat records one operator heartbeat
func (h *SafetyHandler) Heartbeat(c *gin.Context) {
	h.monitor.RecordHeartbeat()
	c.Status(http.StatusNoContent)
}

// Events bounded safety event log, oldest first
func (h *SafetyHandler) Events(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.monitor.Events()})
}
