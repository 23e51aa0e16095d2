package safety

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"robofleet/pkg/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestMonitor_InitialState(t *testing.T) {
	m := NewMonitor(Options{RequiresManualReset: true})
	s := m.State()
	assert.Equal(t, constants.EStopArmed, s.EStop)
	assert.Equal(t, constants.ModeAutomatic, s.Mode)
	assert.True(t, m.CanExecute())
	assert.Empty(t, m.Events())
}

func TestMonitor_TriggerAndManualReset(t *testing.T) {
	m := NewMonitor(Options{RequiresManualReset: true})
	var seen []EventType
	m.Subscribe(func(e Event) { seen = append(seen, e.Type) })

	m.TriggerEStop(constants.ActorRemote, "operator pressed stop", constants.StopCategory1)
	s := m.State()
	assert.Equal(t, constants.EStopTriggered, s.EStop)
	assert.Equal(t, constants.ActorRemote, s.TriggeredBy)
	assert.Equal(t, "operator pressed stop", s.Reason)
	assert.Equal(t, constants.StopCategory1, s.Category)
	assert.NotNil(t, s.TriggeredAt)
	assert.False(t, m.CanExecute())

	// a second trigger keeps the original details
	m.TriggerEStop(constants.ActorZone, "zone stop", constants.StopCategory0)
	assert.Equal(t, constants.ActorRemote, m.State().TriggeredBy)

	err := m.ResetEStop(constants.ActorSystem, true)
	assert.ErrorIs(t, err, ErrManualResetRequired)
	err = m.ResetEStop(constants.ActorServer, false)
	assert.ErrorIs(t, err, ErrManualResetRequired)
	assert.Equal(t, constants.EStopTriggered, m.State().EStop, "never leaves triggered without a manual reset")

	require.NoError(t, m.ResetEStop(constants.ActorLocal, true))
	assert.Equal(t, constants.EStopArmed, m.State().EStop)
	assert.Empty(t, m.State().Reason)
	assert.True(t, m.CanExecute())

	assert.Equal(t, []EventType{
		EventEStopTriggered, EventEStopTriggered,
		EventResetRejected, EventResetRejected,
		EventEStopResetting, EventEStopReset,
	}, seen)
	assert.Equal(t, seen, eventTypes(m.Events()))
}

func TestMonitor_ResetWithoutManualPolicy(t *testing.T) {
	m := NewMonitor(Options{RequiresManualReset: false})
	assert.ErrorIs(t, m.ResetEStop(constants.ActorServer, false), ErrNotTriggered)

	m.TriggerEStop(constants.ActorServer, "fleet stop", constants.StopCategory2)
	require.NoError(t, m.ResetEStop(constants.ActorServer, false))
	assert.Equal(t, constants.EStopArmed, m.State().EStop)
}

func TestMonitor_ResetCheckFailureReturnsToTriggered(t *testing.T) {
	fail := true
	m := NewMonitor(Options{RequiresManualReset: true, ResetCheck: func() error {
		if fail {
			return errors.New("brake test failed")
		}
		return nil
	}})
	m.TriggerEStop(constants.ActorLocal, "button", constants.StopCategory0)

	err := m.ResetEStop(constants.ActorLocal, true)
	assert.ErrorIs(t, err, ErrResetCheckFailed)
	assert.Equal(t, constants.EStopTriggered, m.State().EStop)

	fail = false
	require.NoError(t, m.ResetEStop(constants.ActorLocal, true))
	assert.Equal(t, constants.EStopArmed, m.State().EStop)
}

func TestMonitor_TriggerDuringResetStaysLatched(t *testing.T) {
	var m *Monitor
	m = NewMonitor(Options{ResetCheck: func() error {
		m.TriggerEStop(constants.ActorLocal, "button pressed during reset", constants.StopCategory0)
		return nil
	}})
	m.TriggerEStop(constants.ActorRemote, "operator", constants.StopCategory1)

	err := m.ResetEStop(constants.ActorRemote, true)
	assert.ErrorIs(t, err, ErrRetriggered)
	st := m.State()
	assert.Equal(t, constants.EStopTriggered, st.EStop)
	assert.Equal(t, constants.ActorLocal, st.TriggeredBy)
	assert.Equal(t, "button pressed during reset", st.Reason)
	assert.Equal(t, constants.StopCategory0, st.Category)
	assert.False(t, m.CanExecute())
}

func TestMonitor_ProtectiveStopBlocksReset(t *testing.T) {
	var m *Monitor
	m = NewMonitor(Options{
		HeartbeatTimeout: time.Hour,
		ResetCheck:       func() error { return m.CheckNoProtectiveStop() },
	})
	m.StartHeartbeat()
	defer m.StopHeartbeat()
	require.True(t, m.CheckHeartbeat(time.Now().Add(2*time.Hour)))
	m.TriggerEStop(constants.ActorRemote, "operator", constants.StopCategory1)

	err := m.ResetEStop(constants.ActorRemote, true)
	assert.ErrorIs(t, err, ErrResetCheckFailed)
	assert.Equal(t, constants.EStopTriggered, m.State().EStop)

	m.RecordHeartbeat()
	require.NoError(t, m.ResetEStop(constants.ActorRemote, true))
	assert.True(t, m.CanExecute())
}

func TestMonitor_OperatingModes(t *testing.T) {
	m := NewMonitor(Options{})
	assert.Equal(t, 1500.0, m.GetEffectiveSpeedLimit())
	assert.Equal(t, 150.0, m.GetEffectiveForceLimit())

	require.NoError(t, m.SetOperatingMode(constants.ModeManualReducedSpeed, constants.ActorLocal))
	assert.Equal(t, 250.0, m.GetEffectiveSpeedLimit())

	require.NoError(t, m.SetOperatingMode(constants.ModeManualFullSpeed, constants.ActorLocal))
	assert.Equal(t, 1000.0, m.GetEffectiveSpeedLimit())

	err := m.SetOperatingMode("turbo", constants.ActorLocal)
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, constants.ModeManualFullSpeed, m.State().Mode)

	// same mode is a no-op
	require.NoError(t, m.SetOperatingMode(constants.ModeManualFullSpeed, constants.ActorLocal))
	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, constants.ModeManualReducedSpeed, events[1].FromMode)
	assert.Equal(t, constants.ModeManualFullSpeed, events[1].ToMode)
}

func TestMonitor_HeartbeatTimeoutForcesProtectiveStop(t *testing.T) {
	m := NewMonitor(Options{RequiresManualReset: true, HeartbeatTimeout: time.Second})
	m.StartHeartbeat()
	defer m.StopHeartbeat()

	start := time.Now()
	assert.False(t, m.CheckHeartbeat(start.Add(500*time.Millisecond)))
	assert.True(t, m.CanExecute())

	assert.True(t, m.CheckHeartbeat(start.Add(1500*time.Millisecond)))
	assert.False(t, m.CanExecute())
	assert.True(t, m.State().ProtectiveStop)
	assert.Equal(t, constants.EStopArmed, m.State().EStop, "protective stop is independent of the e-stop")
	assert.False(t, m.CheckHeartbeat(start.Add(2*time.Second)), "entered once")

	m.RecordHeartbeat()
	assert.True(t, m.CanExecute())
	assert.Equal(t, []EventType{EventHeartbeatStarted, EventHeartbeatLost, EventHeartbeatRestored}, eventTypes(m.Events()))
}

func TestMonitor_HeartbeatWatchdogRuns(t *testing.T) {
	m := NewMonitor(Options{HeartbeatTimeout: 40 * time.Millisecond})
	lost := make(chan struct{}, 1)
	m.Subscribe(func(e Event) {
		if e.Type == EventHeartbeatLost {
			lost <- struct{}{}
		}
	})
	m.StartHeartbeat()
	m.StartHeartbeat()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not detect heartbeat loss")
	}
	assert.False(t, m.CanExecute())

	m.StopHeartbeat()
	assert.True(t, m.CanExecute())
	assert.False(t, m.State().HeartbeatActive)
	m.StopHeartbeat()
}

func TestMonitor_EventRingBounded(t *testing.T) {
	m := NewMonitor(Options{EventLogSize: 5})
	for i := 0; i < 8; i++ {
		m.TriggerEStop(constants.ActorRemote, fmt.Sprintf("stop %d", i), constants.StopCategory1)
	}
	events := m.Events()
	require.Len(t, events, 5)
	assert.Equal(t, "stop 3", events[0].Reason)
	assert.Equal(t, "stop 7", events[4].Reason)
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(Options{})
	var mu sync.Mutex
	count := 0
	cancel := m.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	m.TriggerEStop(constants.ActorLocal, "a", constants.StopCategory0)
	cancel()
	m.TriggerEStop(constants.ActorLocal, "b", constants.StopCategory0)
	assert.Equal(t, 1, count)
}
