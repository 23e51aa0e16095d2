package handler

import (
	"context"
	"net/http"

	"robofleet/pkg/constants"
	"robofleet/pkg/estop"

	"github.com/gin-gonic/gin"
)

// EStopSender broadcasts fleet e-stop commands
type EStopSender interface {
	Send(ctx context.Context, c estop.Command) error
}

// FleetSafetyHandler fleetd e-stop surface
type FleetSafetyHandler struct {
	sender EStopSender
}

func NewFleetSafetyHandler(sender EStopSender) *FleetSafetyHandler {
	return &FleetSafetyHandler{sender: sender}
}

// FleetEStopRequest body of TriggerEStop and ResetEStop. Scope defaults to all.
type FleetEStopRequest struct {
	Scope    estop.Scope            `json:"scope"`
	Zone     string                 `json:"zone"`
	Reason   string                 `json:"reason"`
	Category constants.StopCategory `json:"category"`
}

// TriggerEStop stops every robot of the fleet or of one zone
// @Router /api/v1/safety/estop [post]
func (h *FleetSafetyHandler) TriggerEStop(c *gin.Context) {
	h.send(c, estop.ActionTrigger)
}

// ResetEStop resets every robot of the fleet or of one zone
// @Router /api/v1/safety/reset [post]
func (h *FleetSafetyHandler) ResetEStop(c *gin.Context) {
	h.send(c, estop.ActionReset)
}

func (h *FleetSafetyHandler) send(c *gin.Context, action estop.Action) {
	var req FleetEStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if req.Scope == "" {
		req.Scope = estop.ScopeAll
	}
	cmd := estop.Command{
		Action:   action,
		Scope:    req.Scope,
		Zone:     req.Zone,
		Reason:   req.Reason,
		Category: req.Category,
		IssuedBy: c.GetHeader("X-Operator"),
	}
	if err := h.sender.Send(c.Request.Context(), cmd); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "e-stop " + string(action) + " broadcast", "scope": cmd.Scope, "zone": cmd.Zone})
}
