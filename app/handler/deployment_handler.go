package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"robofleet/internal/model"
	"robofleet/pkg/deployment"
	"robofleet/pkg/logger"
	"robofleet/pkg/store/mysql"

	"github.com/gin-gonic/gin"
)

// DeploymentService orchestrator operations exposed to operators
type DeploymentService interface {
	Start(ctx context.Context, req deployment.StartRequest) (*deployment.Snapshot, error)
	Rollback(ctx context.Context, id, reason string) (*deployment.Snapshot, error)
	Cancel(ctx context.Context, id string) (*deployment.Snapshot, error)
	Get(id string) (*deployment.Snapshot, error)
	List() []*deployment.Snapshot
	Metrics(id string) (*deployment.AggregatedMetrics, error)
}

// DeploymentHistory archive of terminal deployments
type DeploymentHistory interface {
	Get(ctx context.Context, deploymentID string) (*deployment.Deployment, error)
	ListRecent(ctx context.Context, status string, limit int) ([]*mysql.DeploymentRecord, error)
}

// DeploymentHandler fleetd deployment API
type DeploymentHandler struct {
	deployments DeploymentService
	history     DeploymentHistory // optional
	robots      deployment.RobotSource
}

// NewDeploymentHandler creates deployment handler, history may be nil
func NewDeploymentHandler(deployments DeploymentService, history DeploymentHistory, robots deployment.RobotSource) *DeploymentHandler {
	return &DeploymentHandler{deployments: deployments, history: history, robots: robots}
}

// RollbackRequest body of Rollback
type RollbackRequest struct {
	Reason string `json:"reason"`
}

// Create starts a deployment
// @Router /api/v1/deployments [post]
func (h *DeploymentHandler) Create(c *gin.Context) {
	var req deployment.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid deployment request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = c.GetHeader("X-Operator")
	}

	snap, err := h.deployments.Start(c.Request.Context(), req)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to start deployment of %s: %v", req.ModelVersionID, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// List in-memory deployments, newest first
func (h *DeploymentHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deployments": h.deployments.List()})
}

// Get one deployment. Deployments finished before a restart are served from the archive.
func (h *DeploymentHandler) Get(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.deployments.Get(id)
	if err == nil {
		c.JSON(http.StatusOK, snap)
		return
	}
	if errors.Is(err, deployment.ErrNotFound) && h.history != nil {
		d, herr := h.history.Get(c.Request.Context(), id)
		if herr == nil {
			c.JSON(http.StatusOK, deployment.Snapshot{Deployment: d})
			return
		}
		if !errors.Is(herr, deployment.ErrNotFound) {
			logger.ErrorCtx(c.Request.Context(), "failed to read archived deployment %s: %v", id, herr)
		}
	}
	respondError(c, err)
}

// Metrics aggregated metrics of the current stage window
func (h *DeploymentHandler) Metrics(c *gin.Context) {
	agg, err := h.deployments.Metrics(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

// Rollback reverts a running deployment
// @Router /api/v1/deployments/{id}/rollback [post]
func (h *DeploymentHandler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	snap, err := h.deployments.Rollback(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Cancel abandons a deployment without rolling back
// @Router /api/v1/deployments/{id}/cancel [post]
func (h *DeploymentHandler) Cancel(c *gin.Context) {
	snap, err := h.deployments.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// History archived deployments, filter by ?status= and ?limit=
func (h *DeploymentHandler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "deployment archive disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	records, err := h.history.ListRecent(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to list deployment history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// Robots registered robots with liveness applied, optional ?zone= filter
func (h *DeploymentHandler) Robots(c *gin.Context) {
	robots, err := h.robots.ListRobots(c.Request.Context())
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to list robots: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if zone := c.Query("zone"); zone != "" {
		filtered := make([]model.Robot, 0, len(robots))
		for _, r := range robots {
			if r.Zone == zone {
				filtered = append(filtered, r)
			}
		}
		robots = filtered
	}
	c.JSON(http.StatusOK, gin.H{"robots": robots})
}
