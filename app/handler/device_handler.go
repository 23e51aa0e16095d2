package handler

import (
	"context"
	"errors"
	"net/http"

	"robofleet/internal/control"
	"robofleet/internal/model"
	"robofleet/pkg/inference"
	"robofleet/pkg/logger"
	"robofleet/pkg/modelmgr"

	"github.com/gin-gonic/gin"
)

// ModelService device model bookkeeping
type ModelService interface {
	SwitchModel(ctx context.Context, req model.SwitchModelRequest) model.SwitchModelResponse
	GetModelState() modelmgr.ModelState
	GetModelHistory() []modelmgr.HistoryEntry
	IsSwitchInProgress() bool
}

// ControlService per-robot control facade
type ControlService interface {
	StartSession(ctx context.Context, instruction string) (control.SessionInfo, error)
	StopSession() error
	Session() (control.SessionInfo, bool)
	UpcomingActions(n int) []model.Action
	RobotMetrics() model.RobotVLAMetrics
	InferenceMetrics() inference.MetricsSnapshot
}

// DeviceHandler robotd device API used by fleetd and local operators
type DeviceHandler struct {
	models  ModelService
	control ControlService
}

// NewDeviceHandler creates device handler
func NewDeviceHandler(models ModelService, control ControlService) *DeviceHandler {
	return &DeviceHandler{models: models, control: control}
}

// SwitchModel loads a model version on this robot. A failed switch is still
// answered with 200; the response status carries the outcome.
// @Router /api/v1/model/switch [post]
func (h *DeviceHandler) SwitchModel(c *gin.Context) {
	var req model.SwitchModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid switch request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	resp := h.models.SwitchModel(c.Request.Context(), req)
	if resp.Status != model.SwitchStatusSwitched {
		logger.WarnCtx(c.Request.Context(), "model switch to %s failed: %s", req.ModelVersionID, resp.Error)
	}
	c.JSON(http.StatusOK, resp)
}

// GetModel current model state and history
func (h *DeviceHandler) GetModel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":            h.models.GetModelState(),
		"history":          h.models.GetModelHistory(),
		"switchInProgress": h.models.IsSwitchInProgress(),
	})
}

// Metrics per-robot VLA metrics polled by the orchestrator
// @Router /api/v1/metrics [get]
func (h *DeviceHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.RobotMetrics())
}

// InferenceMetrics raw inference client metrics
func (h *DeviceHandler) InferenceMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.InferenceMetrics())
}

// StartSessionRequest body of StartSession
type StartSessionRequest struct {
	Instruction string `json:"instruction" binding:"required"`
}

// StartSession starts a control session
func (h *DeviceHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instruction required"})
		return
	}
	info, err := h.control.StartSession(c.Request.Context(), req.Instruction)
	if errors.Is(err, control.ErrSessionActive) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to start session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

// StopSession stops the active control session
func (h *DeviceHandler) StopSession(c *gin.Context) {
	if err := h.control.StopSession(); err != nil {
		if errors.Is(err, control.ErrNoSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session stopped"})
}

const upcomingPreview = 8

// SessionView active session plus the head of the action queue
type SessionView struct {
	control.SessionInfo
	Upcoming []model.Action `json:"upcoming"`
}

// GetSession active session
func (h *DeviceHandler) GetSession(c *gin.Context) {
	info, ok := h.control.Session()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": control.ErrNoSession.Error()})
		return
	}
	upcoming := h.control.UpcomingActions(upcomingPreview)
	if upcoming == nil {
		upcoming = []model.Action{}
	}
	c.JSON(http.StatusOK, SessionView{SessionInfo: info, Upcoming: upcoming})
}
