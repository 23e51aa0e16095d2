package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"robofleet/app/middleware"
	"robofleet/internal/control"
	"robofleet/internal/model"
	"robofleet/pkg/constants"
	"robofleet/pkg/deployment"
	"robofleet/pkg/estop"
	"robofleet/pkg/inference"
	"robofleet/pkg/modelmgr"
	"robofleet/pkg/safety"
	"robofleet/pkg/store/mysql"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

// fakeDeployments scripted DeploymentService
type fakeDeployments struct {
	started  []deployment.StartRequest
	startErr error
	snaps    map[string]*deployment.Snapshot
}

func (f *fakeDeployments) Start(ctx context.Context, req deployment.StartRequest) (*deployment.Snapshot, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	snap := &deployment.Snapshot{Deployment: &deployment.Deployment{ID: "dep-1", ModelVersionID: req.ModelVersionID, Status: constants.DeploymentStatusRunning}}
	f.snaps["dep-1"] = snap
	return snap, nil
}

func (f *fakeDeployments) Rollback(ctx context.Context, id, reason string) (*deployment.Snapshot, error) {
	snap, err := f.Get(id)
	if err != nil {
		return nil, err
	}
	if snap.Deployment.Status != constants.DeploymentStatusRunning {
		return nil, fmt.Errorf("%w: cannot roll back", deployment.ErrInvalidState)
	}
	snap.Deployment.Status = constants.DeploymentStatusCancelled
	snap.Deployment.RollbackReason = reason
	return snap, nil
}

func (f *fakeDeployments) Cancel(ctx context.Context, id string) (*deployment.Snapshot, error) {
	snap, err := f.Get(id)
	if err != nil {
		return nil, err
	}
	snap.Deployment.Status = constants.DeploymentStatusCancelled
	return snap, nil
}

func (f *fakeDeployments) Get(id string) (*deployment.Snapshot, error) {
	snap, ok := f.snaps[id]
	if !ok {
		return nil, deployment.ErrNotFound
	}
	return snap, nil
}

func (f *fakeDeployments) List() []*deployment.Snapshot {
	out := make([]*deployment.Snapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeDeployments) Metrics(id string) (*deployment.AggregatedMetrics, error) {
	if _, err := f.Get(id); err != nil {
		return nil, err
	}
	return &deployment.AggregatedMetrics{RobotCount: 5, ErrorRate: 0.01}, nil
}

type fakeHistory struct {
	archived map[string]*deployment.Deployment
}

func (f *fakeHistory) Get(ctx context.Context, id string) (*deployment.Deployment, error) {
	d, ok := f.archived[id]
	if !ok {
		return nil, deployment.ErrNotFound
	}
	return d, nil
}

func (f *fakeHistory) ListRecent(ctx context.Context, status string, limit int) ([]*mysql.DeploymentRecord, error) {
	return []*mysql.DeploymentRecord{{DeploymentID: "old", Status: status}}, nil
}

type robotList []model.Robot

func (r robotList) ListRobots(ctx context.Context) ([]model.Robot, error) { return r, nil }

func newDeploymentEngine(f *fakeDeployments, h DeploymentHistory) *gin.Engine {
	dh := NewDeploymentHandler(f, h, robotList{{ID: "r1", Zone: "a"}, {ID: "r2", Zone: "b"}})
	e := gin.New()
	g := e.Group("/api/v1/deployments")
	g.POST("", dh.Create)
	g.GET("", dh.List)
	g.GET("/history", dh.History)
	g.GET("/:id", dh.Get)
	g.GET("/:id/metrics", dh.Metrics)
	g.POST("/:id/rollback", dh.Rollback)
	g.POST("/:id/cancel", dh.Cancel)
	e.GET("/api/v1/robots", dh.Robots)
	return e
}

func TestDeploymentHandler_CreateAndLifecycle(t *testing.T) {
	f := &fakeDeployments{snaps: map[string]*deployment.Snapshot{}}
	e := newDeploymentEngine(f, nil)

	w := do(t, e, http.MethodPost, "/api/v1/deployments", map[string]interface{}{
		"modelVersionId":   "v2",
		"targetRobotTypes": []string{"so101_arm"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, f.started, 1)
	assert.Equal(t, []string{"so101_arm"}, f.started[0].TargetRobotTypes)

	w = do(t, e, http.MethodGet, "/api/v1/deployments/dep-1/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, e, http.MethodPost, "/api/v1/deployments/dep-1/rollback", map[string]string{"reason": "operator"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "operator", f.snaps["dep-1"].Deployment.RollbackReason)

	w = do(t, e, http.MethodPost, "/api/v1/deployments/dep-1/rollback", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, e, http.MethodPost, "/api/v1/deployments/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeploymentHandler_CreateValidation(t *testing.T) {
	f := &fakeDeployments{snaps: map[string]*deployment.Snapshot{}}
	e := newDeploymentEngine(f, nil)

	w := do(t, e, http.MethodPost, "/api/v1/deployments", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "modelVersionId is required")

	f.startErr = fmt.Errorf("%w: stages must end at 100%%", deployment.ErrInvalid)
	w = do(t, e, http.MethodPost, "/api/v1/deployments", map[string]string{"modelVersionId": "v2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.startErr = errors.New("redis down")
	w = do(t, e, http.MethodPost, "/api/v1/deployments", map[string]string{"modelVersionId": "v2"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDeploymentHandler_GetFallsBackToArchive(t *testing.T) {
	f := &fakeDeployments{snaps: map[string]*deployment.Snapshot{}}
	h := &fakeHistory{archived: map[string]*deployment.Deployment{
		"old": {ID: "old", Status: constants.DeploymentStatusFailed},
	}}
	e := newDeploymentEngine(f, h)

	w := do(t, e, http.MethodGet, "/api/v1/deployments/old", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap deployment.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, constants.DeploymentStatusFailed, snap.Deployment.Status)

	w = do(t, e, http.MethodGet, "/api/v1/deployments/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, e, http.MethodGet, "/api/v1/deployments/history?status=failed&limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"old"`)

	w = do(t, e, http.MethodGet, "/api/v1/deployments/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeploymentHandler_HistoryDisabledAndRobots(t *testing.T) {
	e := newDeploymentEngine(&fakeDeployments{snaps: map[string]*deployment.Snapshot{}}, nil)
	w := do(t, e, http.MethodGet, "/api/v1/deployments/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, e, http.MethodGet, "/api/v1/robots?zone=b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Robots []model.Robot `json:"robots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Robots, 1)
	assert.Equal(t, "r2", body.Robots[0].ID)
}

func newSafetyEngine(m *safety.Monitor) *gin.Engine {
	h := NewSafetyHandler(m)
	e := gin.New()
	g := e.Group("/api/v1/safety")
	g.GET("", h.GetState)
	g.POST("/estop", h.TriggerEStop)
	g.POST("/reset", h.ResetEStop)
	g.POST("/mode", h.SetMode)
	g.POST("/heartbeat", h.Heartbeat)
	g.POST("/heartbeat/start", h.StartHeartbeat)
	g.POST("/heartbeat/stop", h.StopHeartbeat)
	g.GET("/events", h.Events)
	return e
}

func TestSafetyHandler_EStopResetCycle(t *testing.T) {
	m := safety.NewMonitor(safety.Options{RequiresManualReset: true})
	e := newSafetyEngine(m)

	w := do(t, e, http.MethodPost, "/api/v1/safety/reset", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "nothing to reset")

	w = do(t, e, http.MethodPost, "/api/v1/safety/estop", map[string]interface{}{"reason": "collision", "category": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, m.CanExecute())
	assert.Equal(t, constants.ActorRemote, m.State().TriggeredBy)

	w = do(t, e, http.MethodPost, "/api/v1/safety/reset", map[string]bool{"manual": false})
	assert.Equal(t, http.StatusConflict, w.Code, "manual reset policy")

	w = do(t, e, http.MethodPost, "/api/v1/safety/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, m.CanExecute())

	w = do(t, e, http.MethodGet, "/api/v1/safety/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(safety.EventResetRejected))
}

func TestSafetyHandler_StopOnPanic(t *testing.T) {
	m := safety.NewMonitor(safety.Options{})
	h := NewSafetyHandler(m)
	e := gin.New()
	e.Use(middleware.Recovery(h.StopOnPanic))
	e.GET("/boom", func(c *gin.Context) { panic("nil arm") })

	w := do(t, e, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, m.CanExecute())
	assert.Equal(t, constants.ActorSystem, m.State().TriggeredBy)
	assert.Equal(t, constants.StopCategory1, m.State().Category)
}

func TestSafetyHandler_ModeAndValidation(t *testing.T) {
	m := safety.NewMonitor(safety.Options{})
	e := newSafetyEngine(m)

	w := do(t, e, http.MethodPost, "/api/v1/safety/mode", map[string]string{"mode": "warp_speed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, e, http.MethodPost, "/api/v1/safety/mode", map[string]string{"mode": string(constants.ModeManualReducedSpeed)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 250.0, m.GetEffectiveSpeedLimit())

	w = do(t, e, http.MethodPost, "/api/v1/safety/estop", map[string]int{"category": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, e, http.MethodPost, "/api/v1/safety/heartbeat/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, m.State().HeartbeatActive)
	assert.Equal(t, http.StatusNoContent, do(t, e, http.MethodPost, "/api/v1/safety/heartbeat", nil).Code)
	do(t, e, http.MethodPost, "/api/v1/safety/heartbeat/stop", nil)
	assert.False(t, m.State().HeartbeatActive)
}

type fakeModels struct {
	last model.SwitchModelRequest
}

func (f *fakeModels) SwitchModel(ctx context.Context, req model.SwitchModelRequest) model.SwitchModelResponse {
	f.last = req
	if req.ModelVersionID == "broken" {
		return model.SwitchModelResponse{RobotID: "r1", Status: model.SwitchStatusFailed, Error: "load failed"}
	}
	return model.SwitchModelResponse{RobotID: "r1", PreviousModelVersion: "v1", NewModelVersion: req.ModelVersionID, Status: model.SwitchStatusSwitched}
}
func (f *fakeModels) GetModelState() modelmgr.ModelState        { return modelmgr.ModelState{ModelVersionID: "v1", Loaded: true} }
func (f *fakeModels) GetModelHistory() []modelmgr.HistoryEntry { return nil }
func (f *fakeModels) IsSwitchInProgress() bool                 { return false }

type fakeControl struct {
	active bool
}

func (f *fakeControl) StartSession(ctx context.Context, instruction string) (control.SessionInfo, error) {
	if f.active {
		return control.SessionInfo{}, control.ErrSessionActive
	}
	f.active = true
	return control.SessionInfo{ID: "s1", Instruction: instruction}, nil
}
func (f *fakeControl) StopSession() error {
	if !f.active {
		return control.ErrNoSession
	}
	f.active = false
	return nil
}
func (f *fakeControl) Session() (control.SessionInfo, bool) {
	return control.SessionInfo{ID: "s1"}, f.active
}
func (f *fakeControl) UpcomingActions(n int) []model.Action {
	out := []model.Action{{GripperCommand: 1}, {GripperCommand: 0.5}}
	if n < len(out) {
		out = out[:n]
	}
	return out
}
func (f *fakeControl) RobotMetrics() model.RobotVLAMetrics {
	return model.RobotVLAMetrics{RobotID: "r1", ModelVersion: "v1", TotalInferences: 10}
}
func (f *fakeControl) InferenceMetrics() inference.MetricsSnapshot { return inference.MetricsSnapshot{} }

func TestDeviceHandler(t *testing.T) {
	models := &fakeModels{}
	h := NewDeviceHandler(models, &fakeControl{})
	e := gin.New()
	e.POST("/api/v1/model/switch", h.SwitchModel)
	e.GET("/api/v1/metrics", h.Metrics)
	e.POST("/api/v1/session", h.StartSession)
	e.DELETE("/api/v1/session", h.StopSession)
	e.GET("/api/v1/session", h.GetSession)

	w := do(t, e, http.MethodPost, "/api/v1/model/switch", model.SwitchModelRequest{ModelVersionID: "v2", Rollback: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, models.last.Rollback)

	w = do(t, e, http.MethodPost, "/api/v1/model/switch", model.SwitchModelRequest{ModelVersionID: "broken"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)

	w = do(t, e, http.MethodPost, "/api/v1/model/switch", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, e, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalInferences":10`)

	assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodGet, "/api/v1/session", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodPost, "/api/v1/session", map[string]string{}).Code)
	assert.Equal(t, http.StatusCreated, do(t, e, http.MethodPost, "/api/v1/session", map[string]string{"instruction": "pick the cube"}).Code)
	assert.Equal(t, http.StatusConflict, do(t, e, http.MethodPost, "/api/v1/session", map[string]string{"instruction": "again"}).Code)

	w = do(t, e, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "s1", view.ID)
	assert.Len(t, view.Upcoming, 2)
	assert.Equal(t, http.StatusOK, do(t, e, http.MethodDelete, "/api/v1/session", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodDelete, "/api/v1/session", nil).Code)
}

type recordingSender struct {
	sent []estop.Command
}

func (r *recordingSender) Send(ctx context.Context, c estop.Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.sent = append(r.sent, c)
	return nil
}

func TestFleetSafetyHandler(t *testing.T) {
	s := &recordingSender{}
	h := NewFleetSafetyHandler(s)
	e := gin.New()
	e.POST("/api/v1/safety/estop", h.TriggerEStop)
	e.POST("/api/v1/safety/reset", h.ResetEStop)

	w := do(t, e, http.MethodPost, "/api/v1/safety/estop", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, estop.ScopeAll, s.sent[0].Scope)

	w = do(t, e, http.MethodPost, "/api/v1/safety/reset", map[string]string{"scope": "zone", "zone": "zone-a"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, estop.ActionReset, s.sent[1].Action)
	assert.Equal(t, "zone-a", s.sent[1].Zone)

	w = do(t, e, http.MethodPost, "/api/v1/safety/estop", map[string]string{"scope": "zone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
