package modelmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"robofleet/internal/model"
	"robofleet/pkg/inference"
	"robofleet/pkg/logger"

	"go.uber.org/zap"
)

// ErrSwitchInProgress returned in the response when another switch is running
var ErrSwitchInProgress = errors.New("switch already in progress")

const defaultHistorySize = 10

// ModelState model currently installed on the device
type ModelState struct {
	ModelVersionID string    `json:"modelVersionId"`
	ArtifactURI    string    `json:"artifactUri"`
	LoadedAt       time.Time `json:"loadedAt"`
	Loaded         bool      `json:"loaded"`
}

// HistoryEntry one installed version. UnloadedAt is nil while it is current.
type HistoryEntry struct {
	ModelVersionID string     `json:"modelVersionId"`
	ArtifactURI    string     `json:"artifactUri"`
	LoadedAt       time.Time  `json:"loadedAt"`
	UnloadedAt     *time.Time `json:"unloadedAt,omitempty"`
	Rollback       bool       `json:"rollback"`
}

// EventType model switch lifecycle
type EventType string

const (
	EventSwitching    EventType = "switching"
	EventSwitched     EventType = "switched"
	EventSwitchFailed EventType = "switch_failed"
)

// Event model switch notification
type Event struct {
	Type         EventType `json:"type"`
	RobotID      string    `json:"robotId"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Rollback     bool      `json:"rollback"`
	SwitchTimeMs int64     `json:"switchTimeMs,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Options manager construction parameters
type Options struct {
	RobotID        string
	InitialVersion string // optional, installed as already loaded
	ArtifactURI    string
	Loader         Loader
	HistorySize    int
	// Activate is called with the new version once it is loaded
	Activate func(version string)
	// Metrics reports the live inference metrics of the active model
	Metrics func() inference.MetricsSnapshot
}

// Manager per-device model version bookkeeping. At most one switch runs at a time.
type Manager struct {
	robotID     string
	loader      Loader
	historySize int
	activate    func(string)
	metricsFn   func() inference.MetricsSnapshot

	switching int32

	mu      sync.RWMutex
	state   ModelState
	history []HistoryEntry

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New creates a manager
func New(opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.Loader == nil {
		opts.Loader = NewSimulatedLoader(0, 0, 0)
	}
	m := &Manager{
		robotID:     opts.RobotID,
		loader:      opts.Loader,
		historySize: opts.HistorySize,
		activate:    opts.Activate,
		metricsFn:   opts.Metrics,
	}
	if opts.InitialVersion != "" {
		now := time.Now()
		m.state = ModelState{ModelVersionID: opts.InitialVersion, ArtifactURI: opts.ArtifactURI, LoadedAt: now, Loaded: true}
		m.history = []HistoryEntry{{ModelVersionID: opts.InitialVersion, ArtifactURI: opts.ArtifactURI, LoadedAt: now}}
	}
	return m
}

// Subscribe registers fn for switch events
func (m *Manager) Subscribe(fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) emit(e Event) {
	e.RobotID = m.robotID
	e.Timestamp = time.Now()
	m.listenersMu.RLock()
	listeners := make([]func(Event), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

// SwitchModel loads and installs a new version. A concurrent call is rejected
// immediately with a failed response. On failure the previous state stays current.
func (m *Manager) SwitchModel(ctx context.Context, req model.SwitchModelRequest) model.SwitchModelResponse {
	previous := m.GetCurrentModelVersion()
	resp := model.SwitchModelResponse{
		RobotID:              m.robotID,
		PreviousModelVersion: previous,
		NewModelVersion:      req.ModelVersionID,
	}

	if !atomic.CompareAndSwapInt32(&m.switching, 0, 1) {
		resp.Status = model.SwitchStatusFailed
		resp.Error = ErrSwitchInProgress.Error()
		resp.Timestamp = time.Now()
		logger.WarnCtx(ctx, "model switch to %s rejected: %v", req.ModelVersionID, ErrSwitchInProgress)
		return resp
	}
	defer atomic.StoreInt32(&m.switching, 0)

	start := time.Now()
	m.emit(Event{Type: EventSwitching, From: previous, To: req.ModelVersionID, Rollback: req.Rollback})

	if err := m.loader.Load(ctx, req); err != nil {
		resp.Status = model.SwitchStatusFailed
		resp.Error = err.Error()
		resp.SwitchTimeMs = time.Since(start).Milliseconds()
		resp.Timestamp = time.Now()
		logger.Error("model switch failed",
			zap.String("robot_id", m.robotID),
			zap.String("from", previous),
			zap.String("to", req.ModelVersionID),
			zap.Error(err))
		m.emit(Event{Type: EventSwitchFailed, From: previous, To: req.ModelVersionID, Rollback: req.Rollback,
			SwitchTimeMs: resp.SwitchTimeMs, Error: err.Error()})
		return resp
	}

	now := time.Now()
	m.install(req, now)
	if m.activate != nil {
		m.activate(req.ModelVersionID)
	}

	resp.Status = model.SwitchStatusSwitched
	resp.SwitchTimeMs = now.Sub(start).Milliseconds()
	resp.Timestamp = now
	logger.Info("model switched",
		zap.String("robot_id", m.robotID),
		zap.String("from", previous),
		zap.String("to", req.ModelVersionID),
		zap.Bool("rollback", req.Rollback),
		zap.Int64("switch_time_ms", resp.SwitchTimeMs))
	m.emit(Event{Type: EventSwitched, From: previous, To: req.ModelVersionID, Rollback: req.Rollback, SwitchTimeMs: resp.SwitchTimeMs})
	return resp
}

func (m *Manager) install(req model.SwitchModelRequest, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.history); n > 0 && m.history[n-1].UnloadedAt == nil {
		m.history[n-1].UnloadedAt = &now
	}
	m.state = ModelState{
		ModelVersionID: req.ModelVersionID,
		ArtifactURI:    req.ArtifactURI,
		LoadedAt:       now,
		Loaded:         true,
	}
	m.history = append(m.history, HistoryEntry{
		ModelVersionID: req.ModelVersionID,
		ArtifactURI:    req.ArtifactURI,
		LoadedAt:       now,
		Rollback:       req.Rollback,
	})
	if len(m.history) > m.historySize {
		m.history = append([]HistoryEntry(nil), m.history[len(m.history)-m.historySize:]...)
	}
}

// GetModelState copy of the installed model state
func (m *Manager) GetModelState() ModelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetCurrentModelVersion installed version id, empty before the first switch
func (m *Manager) GetCurrentModelVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ModelVersionID
}

// GetModelHistory oldest first, at most HistorySize entries
func (m *Manager) GetModelHistory() []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// IsSwitchInProgress reports whether a switch is running
func (m *Manager) IsSwitchInProgress() bool {
	return atomic.LoadInt32(&m.switching) == 1
}

// GetInferenceMetrics live inference metrics of the active model
func (m *Manager) GetInferenceMetrics() inference.MetricsSnapshot {
	if m.metricsFn == nil {
		return inference.MetricsSnapshot{}
	}
	return m.metricsFn()
}
