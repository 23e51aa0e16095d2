package deployment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"robofleet/internal/jobs"
	"robofleet/internal/model"
	"robofleet/pkg/constants"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval       = 30 * time.Second
	DefaultCheckInterval      = 60 * time.Second
	DefaultWindow             = 60 * time.Minute
	DefaultSuccessThreshold   = 0.95
	DefaultCriticalMultiplier = 2.0
	DefaultSwitchTimeout      = 30 * time.Second
	DefaultMetricsTimeout     = 5 * time.Second
	sinkTimeout               = 2 * time.Second
)

// Options orchestrator collaborators and policy
type Options struct {
	Robots   RobotSource
	Switcher ModelSwitcher
	Metrics  RobotMetricsSource

	// optional
	Store     Store
	Archive   Archive
	Sinks     []EventSink
	Locks     LockFactory
	Collector *metrics.Deployment

	PollInterval       time.Duration
	CheckInterval      time.Duration
	Window             time.Duration
	SuccessThreshold   float64
	CriticalMultiplier float64
	MaxUtilization     float64
	SwitchTimeout      time.Duration
	MetricsTimeout     time.Duration
	DefaultStages      []Stage
	DefaultThresholds  Thresholds

	Now func() time.Time
}

// Orchestrator drives staged model rollouts across the fleet
type Orchestrator struct {
	opts     Options
	selector Selector

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*run

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// run per-deployment state. op serializes stage starts, rollback and cancel;
// mu guards d for snapshot reads.
type run struct {
	op     sync.Mutex
	mu     sync.Mutex
	d      *Deployment
	window *MetricWindow
	jobs   *jobs.Manager
	lock   Lock
}

// NewOrchestrator validates collaborators and fills policy defaults
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Robots == nil || opts.Switcher == nil || opts.Metrics == nil {
		return nil, errors.New("robot source, switcher and metrics source are required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultSuccessThreshold
	}
	if opts.CriticalMultiplier <= 0 {
		opts.CriticalMultiplier = DefaultCriticalMultiplier
	}
	if opts.SwitchTimeout <= 0 {
		opts.SwitchTimeout = DefaultSwitchTimeout
	}
	if opts.MetricsTimeout <= 0 {
		opts.MetricsTimeout = DefaultMetricsTimeout
	}
	if len(opts.DefaultStages) == 0 {
		opts.DefaultStages = []Stage{{Percentage: 0.05, DurationMin: 60}, {Percentage: 0.25, DurationMin: 60}, {Percentage: 1, DurationMin: 0}}
	}
	if err := validateStages(opts.DefaultStages); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:      opts,
		selector:  Selector{MaxUtilization: opts.MaxUtilization},
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
		listeners: make(map[int]Listener),
	}, nil
}

// Subscribe registers a listener; the returned func removes it
func (o *Orchestrator) Subscribe(l Listener) func() {
	o.listenersMu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = l
	o.listenersMu.Unlock()
	return func() {
		o.listenersMu.Lock()
		delete(o.listeners, id)
		o.listenersMu.Unlock()
	}
}

// Start creates a deployment and runs its first stage before returning
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Snapshot, error) {
	if req.ModelVersionID == "" {
		return nil, fmt.Errorf("%w: modelVersionId is required", ErrInvalid)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = constants.StrategyCanary
	}
	var stages []Stage
	switch strategy {
	case constants.StrategyImmediate:
		stages = []Stage{{Percentage: 1, DurationMin: 0}}
	case constants.StrategyCanary:
		stages = o.opts.DefaultStages
		if req.CanaryConfig != nil && len(req.CanaryConfig.Stages) > 0 {
			stages = req.CanaryConfig.Stages
		}
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalid, strategy)
	}
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	thresholds := o.opts.DefaultThresholds
	if req.RollbackThresholds != nil {
		thresholds = *req.RollbackThresholds
	}
	if err := validateThresholds(thresholds); err != nil {
		return nil, err
	}

	now := o.opts.Now()
	d := &Deployment{
		ID:               uuid.New().String(),
		ModelVersionID:   req.ModelVersionID,
		ArtifactURI:      req.ArtifactURI,
		Strategy:         strategy,
		TargetRobotTypes: append([]string(nil), req.TargetRobotTypes...),
		TargetZones:      append([]string(nil), req.TargetZones...),
		Stages:           append([]Stage(nil), stages...),
		Thresholds:       thresholds,
		Status:           constants.DeploymentStatusCreated,
		Context:          DeploymentContext{PreviousVersions: make(map[string]string)},
		Excluded:         make(map[string]string),
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	r := o.newRun(d)
	if r.lock != nil {
		ok, err := r.lock.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to lock deployment: %w", err)
		}
		if !ok {
			return nil, ErrNotOwner
		}
	}

	o.mu.Lock()
	o.runs[d.ID] = r
	o.mu.Unlock()
	o.updateActive()

	logger.Info("deployment created",
		zap.String("deployment_id", d.ID),
		zap.String("model_version", d.ModelVersionID),
		zap.String("strategy", string(strategy)),
		zap.Int("stages", len(stages)))
	o.emit(r, Event{Type: EventCreated})
	o.persist(ctx, r)

	r.op.Lock()
	r.setStatus(constants.DeploymentStatusRunning, o.opts.Now())
	o.emit(r, Event{Type: EventStarted})
	err := o.startStageLocked(o.ctx, r, 0)
	r.op.Unlock()
	if err != nil {
		o.fail(ctx, r, err.Error())
		return o.snapshot(r), nil
	}
	o.startJobs(r)
	return o.snapshot(r), nil
}

// Rollback reverts a running deployment on operator request; it ends cancelled
func (o *Orchestrator) Rollback(ctx context.Context, id, reason string) (*Snapshot, error) {
	r, err := o.get(id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual rollback"
	}
	r.op.Lock()
	defer r.op.Unlock()
	if st := r.status(); st != constants.DeploymentStatusRunning && st != constants.DeploymentStatusCreated {
		return nil, fmt.Errorf("%w: cannot roll back a %s deployment", ErrInvalidState, st)
	}
	o.rollbackLocked(r, reason, false)
	return o.snapshot(r), nil
}

// Cancel abandons a deployment without rollback. In-flight switches finish
// but no further stage starts.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Snapshot, error) {
	r, err := o.get(id)
	if err != nil {
		return nil, err
	}
	if r.status().Terminal() {
		return nil, fmt.Errorf("%w: deployment already %s", ErrInvalidState, r.status())
	}
	r.stopJobs(false)
	r.op.Lock()
	defer r.op.Unlock()
	if st := r.status(); st.Terminal() {
		return nil, fmt.Errorf("%w: deployment already %s", ErrInvalidState, st)
	}
	r.setStatus(constants.DeploymentStatusCancelled, o.opts.Now())
	o.emit(r, Event{Type: EventCancelled, Reason: "cancelled by operator"})
	o.finish(ctx, r)
	return o.snapshot(r), nil
}

// Get deployment plus aggregated metrics
func (o *Orchestrator) Get(id string) (*Snapshot, error) {
	r, err := o.get(id)
	if err != nil {
		return nil, err
	}
	return o.snapshot(r), nil
}

// List every known deployment, newest first
func (o *Orchestrator) List() []*Snapshot {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	out := make([]*Snapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, o.snapshot(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Deployment.CreatedAt.After(out[j].Deployment.CreatedAt)
	})
	return out
}

// Metrics aggregated metrics of the deployment's current window
func (o *Orchestrator) Metrics(id string) (*AggregatedMetrics, error) {
	r, err := o.get(id)
	if err != nil {
		return nil, err
	}
	return o.snapshot(r).Metrics, nil
}

// Restore resumes non-terminal deployments persisted by a previous process.
// Deployments locked by another replica are skipped.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	list, err := o.opts.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted deployments: %w", err)
	}
	for _, d := range list {
		if d.Status.Terminal() {
			continue
		}
		o.mu.RLock()
		_, known := o.runs[d.ID]
		o.mu.RUnlock()
		if known {
			continue
		}
		if d.Context.PreviousVersions == nil {
			d.Context.PreviousVersions = make(map[string]string)
		}
		r := o.newRun(d)
		if r.lock != nil {
			ok, err := r.lock.TryLock(ctx)
			if err != nil || !ok {
				logger.WarnCtx(ctx, "skip restoring deployment %s: lock not acquired (err=%v)", d.ID, err)
				continue
			}
		}
		o.mu.Lock()
		o.runs[d.ID] = r
		o.mu.Unlock()
		logger.InfoCtx(ctx, "restored deployment %s in status %s at stage %d", d.ID, d.Status, d.CurrentStage)

		switch d.Status {
		case constants.DeploymentStatusRollingBack:
			r.op.Lock()
			o.rollbackLocked(r, d.RollbackReason, true)
			r.op.Unlock()
		case constants.DeploymentStatusCreated:
			r.op.Lock()
			r.setStatus(constants.DeploymentStatusRunning, o.opts.Now())
			o.emit(r, Event{Type: EventStarted})
			err := o.startStageLocked(o.ctx, r, 0)
			r.op.Unlock()
			if err != nil {
				o.fail(ctx, r, err.Error())
				continue
			}
			o.startJobs(r)
		case constants.DeploymentStatusPromoted:
			r.op.Lock()
			o.completeLocked(r)
			r.op.Unlock()
		default:
			o.startJobs(r)
		}
	}
	o.updateActive()
	return nil
}

// Shutdown stops every timer and releases locks. Persisted deployments stay in
// the store so the next process resumes them.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.cancel()
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()
	for _, r := range runs {
		r.stopJobs(true)
		if r.lock != nil && r.lock.IsHeld() {
			if err := r.lock.Unlock(ctx); err != nil {
				logger.WarnCtx(ctx, "failed to release lock of deployment %s: %v", r.deploymentID(), err)
			}
		}
	}
}

func (o *Orchestrator) newRun(d *Deployment) *run {
	r := &run{d: d, window: NewMetricWindow(o.opts.Window)}
	if o.opts.Locks != nil {
		r.lock = o.opts.Locks(d.ID)
	}
	return r
}

func (o *Orchestrator) get(id string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (o *Orchestrator) startJobs(r *run) {
	m := jobs.NewManager(o.ctx)
	id := r.deploymentID()
	m.Register(jobs.NewFuncJob("deployment-poll-"+id, o.opts.PollInterval, func(ctx context.Context) error {
		return o.poll(ctx, r)
	}))
	m.Register(jobs.NewDeferredFuncJob("deployment-check-"+id, o.opts.CheckInterval, func(ctx context.Context) error {
		o.evaluate(ctx, r)
		return nil
	}))
	r.mu.Lock()
	r.jobs = m
	r.mu.Unlock()
	m.Start()
}

// startStageLocked admits robots for stage idx and switches the newly admitted ones.
// Caller holds r.op.
func (o *Orchestrator) startStageLocked(ctx context.Context, r *run, idx int) error {
	d := r.snapshot()
	robots, err := o.opts.Robots.ListRobots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list robots: %w", err)
	}
	stage := d.Stages[idx]
	sel := o.selector.Select(robots, d.TargetRobotTypes, d.TargetZones, stage.Percentage, d.Context.AssignedRobotIDs)

	previous := make(map[string]bool, len(d.Context.AssignedRobotIDs))
	for _, id := range d.Context.AssignedRobotIDs {
		previous[id] = true
	}
	byID := make(map[string]model.Robot, len(robots))
	for _, rb := range robots {
		byID[rb.ID] = rb
	}
	var fresh []model.Robot
	for _, id := range sel.Admitted {
		if previous[id] {
			continue
		}
		fresh = append(fresh, byID[id])
	}

	now := o.opts.Now()
	r.mu.Lock()
	r.d.CurrentStage = idx
	r.d.Context.StageStartedAt = now
	r.d.Context.AssignedRobotIDs = sel.Admitted
	r.d.Excluded = sel.Excluded
	r.d.UpdatedAt = now
	r.mu.Unlock()
	r.window.Reset()

	logger.Info("deployment stage started",
		zap.String("deployment_id", d.ID),
		zap.Int("stage", idx),
		zap.Float64("percentage", stage.Percentage),
		zap.Int("eligible", len(sel.Eligible)),
		zap.Int("target", sel.Target),
		zap.Int("new_robots", len(fresh)))
	o.emit(r, Event{Type: EventStageStarted})

	req := model.SwitchModelRequest{ModelVersionID: d.ModelVersionID, ArtifactURI: d.ArtifactURI}
	results := o.switchAll(ctx, fresh, func(model.Robot) model.SwitchModelRequest { return req }, idx, false)
	for _, res := range results {
		if res.Success {
			r.mu.Lock()
			if _, ok := r.d.Context.PreviousVersions[res.RobotID]; !ok {
				r.d.Context.PreviousVersions[res.RobotID] = res.PreviousVersion
			}
			r.mu.Unlock()
		}
		o.recordResult(r, res)
	}
	o.persist(ctx, r)
	return nil
}

// switchAll issues switches concurrently; completion order is not tracked
func (o *Orchestrator) switchAll(ctx context.Context, robots []model.Robot, reqFor func(model.Robot) model.SwitchModelRequest, stage int, rollback bool) []RobotDeployResult {
	results := make([]RobotDeployResult, len(robots))
	var wg sync.WaitGroup
	for i, rb := range robots {
		wg.Add(1)
		go func(i int, rb model.Robot) {
			defer wg.Done()
			results[i] = o.switchOne(ctx, rb, reqFor(rb), stage, rollback)
		}(i, rb)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) switchOne(ctx context.Context, rb model.Robot, req model.SwitchModelRequest, stage int, rollback bool) RobotDeployResult {
	res := RobotDeployResult{
		RobotID:         rb.ID,
		Stage:           stage,
		Rollback:        rollback,
		PreviousVersion: rb.ModelVersion,
		NewVersion:      req.ModelVersionID,
	}
	cctx, cancel := context.WithTimeout(ctx, o.opts.SwitchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := o.opts.Switcher.SwitchModel(cctx, rb, req)
	res.Timestamp = o.opts.Now()
	res.SwitchTimeMs = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		res.Error = err.Error()
	case resp.Status != model.SwitchStatusSwitched:
		res.Error = resp.Error
		if res.Error == "" {
			res.Error = "switch failed"
		}
	default:
		res.Success = true
		if resp.PreviousModelVersion != "" {
			res.PreviousVersion = resp.PreviousModelVersion
		}
		if resp.SwitchTimeMs > 0 {
			res.SwitchTimeMs = resp.SwitchTimeMs
		}
	}
	return res
}

func (o *Orchestrator) recordResult(r *run, res RobotDeployResult) {
	r.mu.Lock()
	r.d.Results = append(r.d.Results, res)
	r.mu.Unlock()

	typ := EventRobotDeployed
	status := "success"
	if !res.Success {
		typ = EventRobotFailed
		status = "failed"
		logger.Warn("robot model switch failed",
			zap.String("deployment_id", r.deploymentID()),
			zap.String("robot_id", res.RobotID),
			zap.Bool("rollback", res.Rollback),
			zap.String("error", res.Error))
	}
	o.opts.Collector.IncRobotSwitch(status)
	resCopy := res
	o.emit(r, Event{Type: typ, RobotID: res.RobotID, Result: &resCopy})
}

// poll fetches metrics of every admitted robot into the window
func (o *Orchestrator) poll(ctx context.Context, r *run) error {
	d := r.snapshot()
	if d.Status != constants.DeploymentStatusRunning || len(d.Context.AssignedRobotIDs) == 0 {
		return nil
	}
	robots, err := o.opts.Robots.ListRobots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list robots: %w", err)
	}
	byID := make(map[string]model.Robot, len(robots))
	for _, rb := range robots {
		byID[rb.ID] = rb
	}

	var wg sync.WaitGroup
	for _, id := range d.Context.AssignedRobotIDs {
		rb, ok := byID[id]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(rb model.Robot) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, o.opts.MetricsTimeout)
			defer cancel()
			m, err := o.opts.Metrics.GetRobotVLAMetrics(cctx, rb)
			if err != nil {
				logger.DebugCtx(ctx, "metrics poll of robot %s failed: %v", rb.ID, err)
				return
			}
			if m.RobotID == "" {
				m.RobotID = rb.ID
			}
			if m.Timestamp.IsZero() {
				m.Timestamp = o.opts.Now()
			}
			r.window.Add(m)
		}(rb)
	}
	wg.Wait()
	return nil
}

// evaluate checks thresholds and advances or rolls back the deployment
func (o *Orchestrator) evaluate(ctx context.Context, r *run) {
	r.op.Lock()
	defer r.op.Unlock()
	d := r.snapshot()
	if d.Status != constants.DeploymentStatusRunning {
		return
	}
	now := o.opts.Now()
	agg := r.window.Aggregate(d.ModelVersionID, now)
	breaches := Evaluate(agg, d.Thresholds, o.opts.CriticalMultiplier)
	if crit, ok := Critical(breaches); ok {
		logger.Warn("critical threshold breach, rolling back",
			zap.String("deployment_id", d.ID),
			zap.String("breach", crit.String()))
		o.rollbackLocked(r, "threshold breach: "+crit.String(), true)
		return
	}
	if len(breaches) > 0 {
		o.emit(r, Event{Type: EventThresholdWarning, Breaches: breaches})
		return
	}

	stage := d.Stages[d.CurrentStage]
	if now.Sub(d.Context.StageStartedAt) < stage.Duration() {
		return
	}
	if len(d.Context.PreviousVersions) > 0 && agg.SampleCount == 0 {
		return
	}
	if agg.SuccessRate < o.opts.SuccessThreshold || agg.TaskSuccessRate < o.opts.SuccessThreshold {
		return
	}

	o.emit(r, Event{Type: EventStageCompleted})
	if d.CurrentStage == len(d.Stages)-1 {
		r.setStatus(constants.DeploymentStatusPromoted, now)
		o.emit(r, Event{Type: EventPromoted})
		o.completeLocked(r)
		return
	}
	if err := o.startStageLocked(o.ctx, r, d.CurrentStage+1); err != nil {
		logger.ErrorCtx(ctx, "failed to start stage %d of deployment %s: %v", d.CurrentStage+1, d.ID, err)
	}
}

func (o *Orchestrator) completeLocked(r *run) {
	r.stopJobs(false)
	r.setStatus(constants.DeploymentStatusCompleted, o.opts.Now())
	o.emit(r, Event{Type: EventCompleted})
	o.finish(o.ctx, r)
}

// rollbackLocked reverts every robot with a recorded previous version.
// auto rollbacks end failed, operator rollbacks end cancelled. Caller holds r.op.
func (o *Orchestrator) rollbackLocked(r *run, reason string, auto bool) {
	r.stopJobs(false)
	now := o.opts.Now()
	r.mu.Lock()
	r.d.RollbackReason = reason
	r.mu.Unlock()
	r.setStatus(constants.DeploymentStatusRollingBack, now)
	o.emit(r, Event{Type: EventRollbackStarted, Reason: reason})
	o.persist(o.ctx, r)

	d := r.snapshot()
	robots, err := o.opts.Robots.ListRobots(o.ctx)
	if err != nil {
		logger.ErrorCtx(o.ctx, "rollback of deployment %s could not list robots: %v", d.ID, err)
	}
	byID := make(map[string]model.Robot, len(robots))
	for _, rb := range robots {
		byID[rb.ID] = rb
	}
	ids := make([]string, 0, len(d.Context.PreviousVersions))
	for id := range d.Context.PreviousVersions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	targets := make([]model.Robot, 0, len(ids))
	for _, id := range ids {
		if d.Context.PreviousVersions[id] == "" {
			// nothing to restore; the device rejects an empty version
			logger.Warn("robot had no model before the deployment, left on new version",
				zap.String("deployment_id", d.ID),
				zap.String("robot_id", id),
				zap.String("version", d.ModelVersionID))
			continue
		}
		rb, ok := byID[id]
		if !ok {
			rb = model.Robot{ID: id}
		}
		rb.ModelVersion = d.ModelVersionID
		targets = append(targets, rb)
	}

	results := o.switchAll(o.ctx, targets, func(rb model.Robot) model.SwitchModelRequest {
		return model.SwitchModelRequest{ModelVersionID: d.Context.PreviousVersions[rb.ID], Rollback: true}
	}, d.CurrentStage, true)
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
		o.recordResult(r, res)
	}
	logger.Info("deployment rollback finished",
		zap.String("deployment_id", d.ID),
		zap.Int("robots", len(results)),
		zap.Int("failed", failed))
	o.emit(r, Event{Type: EventRollbackDone, Reason: reason})

	if auto {
		r.setStatus(constants.DeploymentStatusFailed, o.opts.Now())
		o.emit(r, Event{Type: EventFailed, Reason: reason})
	} else {
		r.setStatus(constants.DeploymentStatusCancelled, o.opts.Now())
		o.emit(r, Event{Type: EventCancelled, Reason: reason})
	}
	o.finish(o.ctx, r)
}

func (o *Orchestrator) fail(ctx context.Context, r *run, reason string) {
	r.mu.Lock()
	r.d.RollbackReason = reason
	r.mu.Unlock()
	r.setStatus(constants.DeploymentStatusFailed, o.opts.Now())
	o.emit(r, Event{Type: EventFailed, Reason: reason})
	o.finish(ctx, r)
}

// finish archives a terminal deployment and drops it from the store
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	now := o.opts.Now()
	r.mu.Lock()
	r.d.CompletedAt = &now
	r.mu.Unlock()
	d := r.snapshot()

	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if o.opts.Archive != nil {
		if err := o.opts.Archive.Archive(ctx, d); err != nil {
			logger.ErrorCtx(ctx, "failed to archive deployment %s: %v", d.ID, err)
		}
	}
	if o.opts.Store != nil {
		if err := o.opts.Store.Delete(ctx, d.ID); err != nil {
			logger.WarnCtx(ctx, "failed to delete deployment %s from store: %v", d.ID, err)
		}
	}
	if r.lock != nil && r.lock.IsHeld() {
		if err := r.lock.Unlock(ctx); err != nil {
			logger.WarnCtx(ctx, "failed to release lock of deployment %s: %v", d.ID, err)
		}
	}
	o.updateActive()
	logger.Info("deployment finished",
		zap.String("deployment_id", d.ID),
		zap.String("status", string(d.Status)),
		zap.String("reason", d.RollbackReason))
}

func (o *Orchestrator) persist(ctx context.Context, r *run) {
	if o.opts.Store == nil {
		return
	}
	d := r.snapshot()
	if d.Status.Terminal() {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := o.opts.Store.Save(ctx, d); err != nil {
		logger.WarnCtx(ctx, "failed to persist deployment %s: %v", d.ID, err)
	}
}

func (o *Orchestrator) emit(r *run, e Event) {
	r.mu.Lock()
	e.DeploymentID = r.d.ID
	e.Status = r.d.Status
	e.Stage = r.d.CurrentStage
	r.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = o.opts.Now()
	}
	o.opts.Collector.IncEvent(string(e.Type))

	o.listenersMu.RLock()
	listeners := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.listenersMu.RUnlock()
	for _, l := range listeners {
		l(e)
	}

	for _, sink := range o.opts.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Publish(ctx, e); err != nil {
			logger.WarnCtx(ctx, "failed to publish deployment event %s: %v", e.Type, err)
		}
		cancel()
	}
}

func (o *Orchestrator) updateActive() {
	o.mu.RLock()
	n := 0
	for _, r := range o.runs {
		if !r.status().Terminal() {
			n++
		}
	}
	o.mu.RUnlock()
	o.opts.Collector.SetActive(n)
}

func (o *Orchestrator) snapshot(r *run) *Snapshot {
	d := r.snapshot()
	agg := r.window.Aggregate(d.ModelVersionID, o.opts.Now())
	return &Snapshot{Deployment: d, Metrics: &agg}
}

func (r *run) snapshot() *Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.Clone()
}

func (r *run) status() constants.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.Status
}

func (r *run) deploymentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.ID
}

func (r *run) stopJobs(wait bool) {
	r.mu.Lock()
	m := r.jobs
	r.mu.Unlock()
	if m == nil {
		return
	}
	if wait {
		m.StopAndWait()
		return
	}
	m.Stop()
}

func (r *run) setStatus(st constants.DeploymentStatus, now time.Time) {
	r.mu.Lock()
	r.d.Status = st
	r.d.UpdatedAt = now
	r.mu.Unlock()
}
