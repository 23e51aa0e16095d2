package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"robofleet/internal/jobs"
	"robofleet/internal/model"
	"robofleet/pkg/buffer"
	"robofleet/pkg/inference"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"
	"robofleet/pkg/safety"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionActive = errors.New("control session already active")
	ErrNoSession     = errors.New("no active control session")
)

// ExecutionResult outcome of one executed action
type ExecutionResult struct {
	Success       bool
	TaskCompleted bool // the action finished the current task
	Message       string
}

// ActionExecutor sends actions to the actuators. Supplied by the robot platform layer.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action model.Action) (ExecutionResult, error)
}

// ObservationSource produces the current sensory state. Supplied by the robot platform layer.
type ObservationSource interface {
	GenerateObservation(ctx context.Context) (*model.Observation, error)
}

// InferenceClient the subset of inference.Client the coordinator drives
type InferenceClient interface {
	Connect(ctx context.Context) error
	Predict(ctx context.Context, obs *model.Observation) (*model.ActionChunk, error)
	StartStream(ctx context.Context, onChunk inference.ChunkHandler, onError inference.ErrorHandler) (string, error)
	SendObservation(obs *model.Observation) error
	EndStream()
	SetModelVersion(version string)
	GetMetrics() inference.MetricsSnapshot
	Close() error
}

// ClientFactory builds one inference client per session
type ClientFactory func() (InferenceClient, error)

// Mode how predictions are requested
type Mode string

const (
	ModeSingleShot Mode = "single_shot"
	ModeStream     Mode = "stream"
)

// Options coordinator construction parameters
type Options struct {
	RobotID       string
	Embodiment    string
	ModelVersion  string
	ControlPeriod time.Duration
	Mode          Mode
	Buffer        *buffer.ActionBuffer
	NewClient     ClientFactory
	Safety        *safety.Monitor
	Executor      ActionExecutor
	Observations  ObservationSource
	BufferMetrics *metrics.Buffer // optional
}

// SessionInfo active session description
type SessionInfo struct {
	ID          string    `json:"id"`
	Instruction string    `json:"instruction"`
	Mode        Mode      `json:"mode"`
	StartedAt   time.Time `json:"startedAt"`
}

type session struct {
	info   SessionInfo
	client InferenceClient
	ctx    context.Context
	cancel context.CancelFunc
	ticks  *jobs.Manager
	wg     sync.WaitGroup
}

// TickResult outcome of one control tick
type TickResult struct {
	Executed bool
	Hold     bool // fallback hold action was used
	Blocked  bool // safety gate refused execution
}

// Coordinator per-robot control facade. Owns the action buffer, one inference
// client per session and the safety gate; drives the fixed-rate control tick.
type Coordinator struct {
	opts Options

	mu           sync.Mutex
	session      *session
	modelVersion string
	lastClient   InferenceClient

	// streamMu serialises stream open and close; never held with mu
	streamMu sync.Mutex

	poseMu      sync.Mutex
	lastJoints  []float64
	lastGripper float64

	ticks        int64
	busyTicks    int64
	holds        int64
	blocked      int64
	tasksDone    int64
	tasksFailed  int64
	predictFails int64
}

// New creates an idle coordinator
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Buffer == nil:
		return nil, errors.New("action buffer is required")
	case opts.NewClient == nil:
		return nil, errors.New("inference client factory is required")
	case opts.Safety == nil:
		return nil, errors.New("safety monitor is required")
	case opts.Executor == nil || opts.Observations == nil:
		return nil, errors.New("action executor and observation source are required")
	}
	if opts.ControlPeriod <= 0 {
		opts.ControlPeriod = 20 * time.Millisecond
	}
	if opts.Mode == "" {
		opts.Mode = ModeSingleShot
	}
	c := &Coordinator{opts: opts, modelVersion: opts.ModelVersion}
	opts.Buffer.Subscribe(c.onBufferSignal)
	opts.Safety.Subscribe(c.onSafetyEvent)
	return c, nil
}

// onSafetyEvent drops queued actions when motion is stopped so they are not
// replayed after the reset
func (c *Coordinator) onSafetyEvent(e safety.Event) {
	switch e.Type {
	case safety.EventEStopTriggered, safety.EventHeartbeatLost:
		if n := c.opts.Buffer.Len(); n > 0 {
			c.opts.Buffer.Clear()
			logger.Info("action buffer cleared on stop",
				zap.String("robot_id", c.opts.RobotID),
				zap.String("event", string(e.Type)),
				zap.Int("dropped", n))
		}
	}
}

func (c *Coordinator) onBufferSignal(sig buffer.Signal, stats buffer.Stats) {
	c.opts.BufferMetrics.SetFill(stats.FillRatio)
	switch sig {
	case buffer.SignalEmpty:
		c.opts.BufferMetrics.IncUnderrun()
	case buffer.SignalLow:
		logger.Debugf("action buffer low: %d/%d", stats.Count, stats.Capacity)
	}
}

// StartSession connects a fresh inference client and starts the control tick.
// A failed connect is not fatal: the client reconnects in the background and
// the fallback path serves predictions meanwhile.
func (c *Coordinator) StartSession(ctx context.Context, instruction string) (SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return SessionInfo{}, ErrSessionActive
	}

	client, err := c.opts.NewClient()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to create inference client: %w", err)
	}
	if c.modelVersion != "" {
		client.SetModelVersion(c.modelVersion)
	}
	if err := client.Connect(ctx); err != nil {
		logger.WarnCtx(ctx, "inference connect failed, session starts degraded: %v", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		info: SessionInfo{
			ID:          uuid.NewString(),
			Instruction: instruction,
			Mode:        c.opts.Mode,
			StartedAt:   time.Now(),
		},
		client: client,
		ctx:    sctx,
		cancel: cancel,
		ticks:  jobs.NewManager(sctx),
	}

	if c.opts.Mode == ModeStream {
		if err := c.openStream(s); err != nil {
			logger.WarnCtx(ctx, "stream unavailable, using single-shot prefetch: %v", err)
		}
	}

	c.session = s
	c.lastClient = client
	s.ticks.Register(jobs.NewFuncJob("control-tick", c.opts.ControlPeriod, func(ctx context.Context) error {
		c.Tick(ctx)
		return nil
	}))
	s.ticks.Start()

	logger.Info("control session started",
		zap.String("robot_id", c.opts.RobotID),
		zap.String("session_id", s.info.ID),
		zap.String("mode", string(c.opts.Mode)),
		zap.Duration("period", c.opts.ControlPeriod))
	return s.info, nil
}

func (c *Coordinator) openStream(s *session) error {
	_, err := s.client.StartStream(s.ctx, func(chunk *model.ActionChunk) {
		c.pushChunk(chunk)
	}, func(err error) {
		logger.Warn("inference stream ended with error", zap.String("robot_id", c.opts.RobotID), zap.Error(err))
		c.opts.Buffer.CancelPrefetch()
	})
	return err
}

// StopSession cancels the control tick, waits for in-flight prefetches,
// clears the buffer, ends the stream and closes the inference client.
func (c *Coordinator) StopSession() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}

	s.cancel()
	s.ticks.StopAndWait()
	s.wg.Wait()
	c.opts.Buffer.Clear()
	c.streamMu.Lock()
	s.client.EndStream()
	c.streamMu.Unlock()
	if err := s.client.Close(); err != nil {
		logger.Warn("failed to close inference client", zap.Error(err))
	}

	logger.Info("control session stopped",
		zap.String("robot_id", c.opts.RobotID),
		zap.String("session_id", s.info.ID),
		zap.Duration("duration", time.Since(s.info.StartedAt)))
	return nil
}

// Session active session, if any
func (c *Coordinator) Session() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return SessionInfo{}, false
	}
	return c.session.info, true
}

// Tick runs one control step. It never waits on inference: an empty buffer
// yields a hold action and prefetches are issued asynchronously.
func (c *Coordinator) Tick(ctx context.Context) TickResult {
	atomic.AddInt64(&c.ticks, 1)

	if !c.opts.Safety.CanExecute() {
		atomic.AddInt64(&c.blocked, 1)
		// chunks that landed after the stop are stale too
		c.opts.Buffer.Clear()
		return TickResult{Blocked: true}
	}

	action, ok := c.opts.Buffer.Pop()
	result := TickResult{}
	if ok {
		atomic.AddInt64(&c.busyTicks, 1)
	} else {
		atomic.AddInt64(&c.holds, 1)
		action = c.holdAction()
		result.Hold = true
	}

	res, err := c.opts.Executor.ExecuteAction(ctx, action)
	result.Executed = err == nil && res.Success
	if ok {
		switch {
		case err != nil || !res.Success:
			atomic.AddInt64(&c.tasksFailed, 1)
		case res.TaskCompleted:
			atomic.AddInt64(&c.tasksDone, 1)
		}
	}
	if err != nil {
		logger.Warn("action execution failed", zap.String("robot_id", c.opts.RobotID), zap.Error(err))
	} else if ok {
		c.rememberPose(action)
	}

	if c.opts.Buffer.ClaimPrefetch() {
		c.prefetch()
	}
	return result
}

func (c *Coordinator) holdAction() model.Action {
	c.poseMu.Lock()
	defer c.poseMu.Unlock()
	return model.HoldAction(c.lastJoints, c.lastGripper)
}

func (c *Coordinator) rememberPose(action model.Action) {
	c.poseMu.Lock()
	c.lastJoints = append(c.lastJoints[:0], action.JointCommands...)
	c.lastGripper = action.GripperCommand
	c.poseMu.Unlock()
}

// prefetch requests the next chunk in the background
func (c *Coordinator) prefetch() {
	c.mu.Lock()
	s := c.session
	if s == nil || s.ctx.Err() != nil {
		c.mu.Unlock()
		c.opts.Buffer.CancelPrefetch()
		return
	}
	s.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := c.requestChunk(s); err != nil {
			atomic.AddInt64(&c.predictFails, 1)
			c.opts.Buffer.CancelPrefetch()
			if s.ctx.Err() == nil {
				logger.Debugf("prefetch for %s failed: %v", c.opts.RobotID, err)
			}
		}
	}()
}

func (c *Coordinator) requestChunk(s *session) error {
	obs, err := c.opts.Observations.GenerateObservation(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to generate observation: %w", err)
	}
	obs.Instruction = s.info.Instruction
	obs.SessionID = s.info.ID
	if obs.EmbodimentTag == "" {
		obs.EmbodimentTag = c.opts.Embodiment
	}
	if obs.Timestamp == 0 {
		obs.Timestamp = model.UnixSeconds(time.Now())
	}

	if c.opts.Mode == ModeStream {
		if err := s.client.SendObservation(obs); err == nil {
			return nil
		}
	}
	chunk, err := s.client.Predict(s.ctx, obs)
	if err != nil {
		return err
	}
	c.pushChunk(chunk)
	return nil
}

func (c *Coordinator) pushChunk(chunk *model.ActionChunk) {
	added := c.opts.Buffer.Push(chunk.Actions)
	if dropped := len(chunk.Actions) - added; dropped > 0 {
		c.opts.BufferMetrics.AddDropped(dropped)
	}
}

// SwitchModel makes version the active model for this and future sessions.
// An open stream is reopened so the server serves the new model; ticks keep
// running on single-shot predictions while it reopens.
func (c *Coordinator) SwitchModel(version string) {
	c.mu.Lock()
	c.modelVersion = version
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.client.SetModelVersion(version)
	if c.opts.Mode != ModeStream {
		return
	}

	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.client.EndStream()
	if err := c.openStream(s); err != nil {
		logger.Warn("failed to reopen stream after model switch", zap.String("version", version), zap.Error(err))
	}
}

// UpcomingActions next n buffered actions in execution order
func (c *Coordinator) UpcomingActions(n int) []model.Action {
	return c.opts.Buffer.PeekMany(n)
}

// ModelVersion model version requested from the inference service
func (c *Coordinator) ModelVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelVersion
}

// InferenceMetrics metrics of the current or last session's client
func (c *Coordinator) InferenceMetrics() inference.MetricsSnapshot {
	c.mu.Lock()
	client := c.lastClient
	c.mu.Unlock()
	if client == nil {
		return inference.MetricsSnapshot{}
	}
	return client.GetMetrics()
}

// RobotMetrics per-robot metrics polled by the deployment orchestrator
func (c *Coordinator) RobotMetrics() model.RobotVLAMetrics {
	inf := c.InferenceMetrics()
	stats := c.opts.Buffer.Stats()

	ticks := atomic.LoadInt64(&c.ticks)
	utilization := 0.0
	if ticks > 0 {
		utilization = float64(atomic.LoadInt64(&c.busyTicks)) / float64(ticks)
	}
	return model.RobotVLAMetrics{
		RobotID:          c.opts.RobotID,
		ModelVersion:     c.ModelVersion(),
		TotalInferences:  inf.TotalRequests,
		FailedInferences: inf.Failures,
		FallbackCount:    inf.Fallbacks,
		ErrorRate:        inf.ErrorRate,
		AvgLatencyMs:     inf.AvgLatencyMs,
		P99LatencyMs:     inf.P99LatencyMs,
		TasksCompleted:   atomic.LoadInt64(&c.tasksDone),
		TasksFailed:      atomic.LoadInt64(&c.tasksFailed),
		BufferUnderruns:  stats.Underruns,
		Utilization:      utilization,
		Timestamp:        time.Now(),
	}
}

// Shutdown stops any session
func (c *Coordinator) Shutdown() {
	if err := c.StopSession(); err != nil && !errors.Is(err, ErrNoSession) {
		logger.Warn("failed to stop control session", zap.Error(err))
	}
}
