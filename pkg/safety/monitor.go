package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"robofleet/internal/jobs"
	"robofleet/pkg/constants"
	"robofleet/pkg/logger"

	"go.uber.org/zap"
)

var (
	ErrManualResetRequired = errors.New("e-stop requires a manual reset")
	ErrNotTriggered        = errors.New("e-stop is not triggered")
	ErrResetInProgress     = errors.New("e-stop reset already in progress")
	ErrInvalidMode         = errors.New("invalid operating mode")
	ErrResetCheckFailed    = errors.New("e-stop reset check failed")
	ErrRetriggered         = errors.New("e-stop triggered again during reset")
	ErrProtectiveStop      = errors.New("protective stop active")
)

const (
	defaultHeartbeatTimeout = time.Second
	defaultEventLogSize     = 100
)

// Limits speed and force ceilings for one operating mode
type Limits struct {
	MaxSpeedMmPerSec float64 `json:"maxSpeedMmPerSec"`
	MaxForceN        float64 `json:"maxForceN"`
}

// ModeLimits fixed safety limits per operating mode (ISO 10218-1)
var ModeLimits = map[constants.OperatingMode]Limits{
	constants.ModeAutomatic:          {MaxSpeedMmPerSec: 1500, MaxForceN: 150},
	constants.ModeManualReducedSpeed: {MaxSpeedMmPerSec: 250, MaxForceN: 150},
	constants.ModeManualFullSpeed:    {MaxSpeedMmPerSec: 1000, MaxForceN: 150},
}

// State snapshot of the robot safety state
type State struct {
	EStop           constants.EStopStatus   `json:"estop"`
	TriggeredBy     constants.Actor         `json:"triggeredBy,omitempty"`
	Reason          string                  `json:"reason,omitempty"`
	Category        constants.StopCategory  `json:"category"`
	TriggeredAt     *time.Time              `json:"triggeredAt,omitempty"`
	Mode            constants.OperatingMode `json:"mode"`
	ProtectiveStop  bool                    `json:"protectiveStop"`
	HeartbeatActive bool                    `json:"heartbeatActive"`
	LastHeartbeat   *time.Time              `json:"lastHeartbeat,omitempty"`
}

// Options monitor policy
type Options struct {
	RequiresManualReset bool
	HeartbeatTimeout    time.Duration
	EventLogSize        int
	// ResetCheck runs while resetting; an error returns the monitor to triggered
	ResetCheck func() error
}

// Monitor E-stop state machine (armed, triggered, resetting) with an
// orthogonal operating mode and a heartbeat watchdog.
type Monitor struct {
	opts Options

	mu             sync.Mutex
	state          State
	lastHeartbeat  time.Time
	heartbeatJobs  *jobs.Manager
	events         []Event
	nextEvent      int
	eventsWrapped  bool
	subscribers    map[int]func(Event)
	nextSubscriber int
}

// NewMonitor creates an armed monitor in automatic mode
func NewMonitor(opts Options) *Monitor {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.EventLogSize <= 0 {
		opts.EventLogSize = defaultEventLogSize
	}
	return &Monitor{
		opts: opts,
		state: State{
			EStop: constants.EStopArmed,
			Mode:  constants.ModeAutomatic,
		},
		events:      make([]Event, opts.EventLogSize),
		subscribers: make(map[int]func(Event)),
	}
}

// State returns a copy of the current state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanExecute reports whether motion commands may run
func (m *Monitor) CanExecute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.EStop == constants.EStopArmed && !m.state.ProtectiveStop
}

// TriggerEStop moves the monitor to triggered. Triggering an already
// triggered monitor is recorded but keeps the original trigger details.
func (m *Monitor) TriggerEStop(actor constants.Actor, reason string, category constants.StopCategory) {
	now := time.Now()
	m.mu.Lock()
	already := m.state.EStop == constants.EStopTriggered
	if !already {
		m.state.EStop = constants.EStopTriggered
		m.state.TriggeredBy = actor
		m.state.Reason = reason
		m.state.Category = category
		m.state.TriggeredAt = &now
	}
	ev := m.recordLocked(Event{Type: EventEStopTriggered, Actor: actor, Reason: reason, Category: category, Timestamp: now})
	m.mu.Unlock()

	logger.Warn("e-stop triggered",
		zap.String("actor", string(actor)),
		zap.String("reason", reason),
		zap.Int("category", int(category)),
		zap.Bool("already_triggered", already))
	m.broadcast(ev)
}

// ResetEStop runs triggered -> resetting -> armed. With the manual reset policy
// only a deliberate operator reset (manual=true, non-system actor) is accepted.
func (m *Monitor) ResetEStop(actor constants.Actor, manual bool) error {
	m.mu.Lock()
	switch m.state.EStop {
	case constants.EStopArmed:
		m.mu.Unlock()
		return ErrNotTriggered
	case constants.EStopResetting:
		m.mu.Unlock()
		return ErrResetInProgress
	}
	if m.opts.RequiresManualReset && (!manual || actor == constants.ActorSystem) {
		ev := m.recordLocked(Event{Type: EventResetRejected, Actor: actor, Reason: ErrManualResetRequired.Error(), Timestamp: time.Now()})
		m.mu.Unlock()
		logger.Warn("e-stop reset rejected", zap.String("actor", string(actor)), zap.Bool("manual", manual))
		m.broadcast(ev)
		return ErrManualResetRequired
	}
	m.state.EStop = constants.EStopResetting
	resetting := m.recordLocked(Event{Type: EventEStopResetting, Actor: actor, Timestamp: time.Now()})
	m.mu.Unlock()
	m.broadcast(resetting)

	if m.opts.ResetCheck != nil {
		if err := m.opts.ResetCheck(); err != nil {
			m.mu.Lock()
			// a trigger during the check already moved the state back
			m.state.EStop = constants.EStopTriggered
			failed := m.recordLocked(Event{Type: EventResetFailed, Actor: actor, Reason: err.Error(), Timestamp: time.Now()})
			m.mu.Unlock()
			logger.Error("e-stop reset check failed", zap.Error(err))
			m.broadcast(failed)
			return fmt.Errorf("%w: %v", ErrResetCheckFailed, err)
		}
	}

	m.mu.Lock()
	if m.state.EStop != constants.EStopResetting {
		// triggered while resetting; the new trigger details stay latched
		m.mu.Unlock()
		logger.Warn("e-stop reset aborted, triggered during reset", zap.String("actor", string(actor)))
		return ErrRetriggered
	}
	m.state.EStop = constants.EStopArmed
	m.state.TriggeredBy = ""
	m.state.Reason = ""
	m.state.TriggeredAt = nil
	armed := m.recordLocked(Event{Type: EventEStopReset, Actor: actor, Timestamp: time.Now()})
	m.mu.Unlock()

	logger.Info("e-stop reset", zap.String("actor", string(actor)))
	m.broadcast(armed)
	return nil
}

// SetOperatingMode switches the operating mode
func (m *Monitor) SetOperatingMode(mode constants.OperatingMode, actor constants.Actor) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	m.mu.Lock()
	from := m.state.Mode
	if from == mode {
		m.mu.Unlock()
		return nil
	}
	m.state.Mode = mode
	ev := m.recordLocked(Event{Type: EventModeChanged, Actor: actor, FromMode: from, ToMode: mode, Timestamp: time.Now()})
	m.mu.Unlock()

	logger.Info("operating mode changed", zap.String("from", string(from)), zap.String("to", string(mode)))
	m.broadcast(ev)
	return nil
}

// GetEffectiveSpeedLimit max speed in mm/s for the active mode
func (m *Monitor) GetEffectiveSpeedLimit() float64 {
	return m.limits().MaxSpeedMmPerSec
}

// GetEffectiveForceLimit max force in N for the active mode
func (m *Monitor) GetEffectiveForceLimit() float64 {
	return m.limits().MaxForceN
}

func (m *Monitor) limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ModeLimits[m.state.Mode]
}

// CheckNoProtectiveStop fails while the heartbeat watchdog holds a protective
// stop. robotd uses it as its reset check.
func (m *Monitor) CheckNoProtectiveStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ProtectiveStop {
		return fmt.Errorf("%w: server heartbeat lost", ErrProtectiveStop)
	}
	return nil
}

// StartHeartbeat starts the server heartbeat watchdog. The clock starts now.
func (m *Monitor) StartHeartbeat() {
	m.mu.Lock()
	if m.heartbeatJobs != nil {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.lastHeartbeat = now
	m.state.HeartbeatActive = true
	m.state.LastHeartbeat = &now
	interval := m.opts.HeartbeatTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	m.heartbeatJobs = jobs.NewManager(context.Background())
	m.heartbeatJobs.Register(jobs.NewDeferredFuncJob("safety-heartbeat-watchdog", interval, func(ctx context.Context) error {
		m.CheckHeartbeat(time.Now())
		return nil
	}))
	ev := m.recordLocked(Event{Type: EventHeartbeatStarted, Actor: constants.ActorSystem, Timestamp: now})
	m.heartbeatJobs.Start()
	m.mu.Unlock()
	m.broadcast(ev)
}

// StopHeartbeat stops the watchdog and clears any protective stop it caused
func (m *Monitor) StopHeartbeat() {
	m.mu.Lock()
	jm := m.heartbeatJobs
	if jm == nil {
		m.mu.Unlock()
		return
	}
	m.heartbeatJobs = nil
	m.state.HeartbeatActive = false
	m.state.ProtectiveStop = false
	ev := m.recordLocked(Event{Type: EventHeartbeatStopped, Actor: constants.ActorSystem, Timestamp: time.Now()})
	m.mu.Unlock()

	jm.StopAndWait()
	m.broadcast(ev)
}

// RecordHeartbeat notes a heartbeat from the server and lifts a protective stop
func (m *Monitor) RecordHeartbeat() {
	now := time.Now()
	m.mu.Lock()
	m.lastHeartbeat = now
	m.state.LastHeartbeat = &now
	if !m.state.ProtectiveStop {
		m.mu.Unlock()
		return
	}
	m.state.ProtectiveStop = false
	ev := m.recordLocked(Event{Type: EventHeartbeatRestored, Actor: constants.ActorServer, Timestamp: now})
	m.mu.Unlock()

	logger.Info("server heartbeat restored, protective stop lifted")
	m.broadcast(ev)
}

// CheckHeartbeat forces a protective stop when the last heartbeat is older
// than the timeout. Reports whether a new protective stop was entered.
func (m *Monitor) CheckHeartbeat(now time.Time) bool {
	m.mu.Lock()
	if !m.state.HeartbeatActive || m.state.ProtectiveStop {
		m.mu.Unlock()
		return false
	}
	silence := now.Sub(m.lastHeartbeat)
	if silence <= m.opts.HeartbeatTimeout {
		m.mu.Unlock()
		return false
	}
	m.state.ProtectiveStop = true
	reason := fmt.Sprintf("no server heartbeat for %v", silence.Round(time.Millisecond))
	ev := m.recordLocked(Event{Type: EventHeartbeatLost, Actor: constants.ActorSystem, Reason: reason,
		Category: constants.StopCategory2, Timestamp: now})
	m.mu.Unlock()

	logger.Warn("protective stop", zap.String("reason", reason))
	m.broadcast(ev)
	return true
}
