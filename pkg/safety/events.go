package safety

import (
	"time"

	"robofleet/pkg/constants"
)

// EventType safety transition
type EventType string

const (
	EventEStopTriggered    EventType = "estop_triggered"
	EventEStopResetting    EventType = "estop_resetting"
	EventEStopReset        EventType = "estop_reset"
	EventResetRejected     EventType = "reset_rejected"
	EventResetFailed       EventType = "reset_failed"
	EventModeChanged       EventType = "mode_changed"
	EventHeartbeatStarted  EventType = "heartbeat_started"
	EventHeartbeatStopped  EventType = "heartbeat_stopped"
	EventHeartbeatLost     EventType = "heartbeat_lost"
	EventHeartbeatRestored EventType = "heartbeat_restored"
)

// Event entry in the safety log
type Event struct {
	Type      EventType               `json:"type"`
	Actor     constants.Actor         `json:"actor"`
	Reason    string                  `json:"reason,omitempty"`
	Category  constants.StopCategory  `json:"category"`
	FromMode  constants.OperatingMode `json:"fromMode,omitempty"`
	ToMode    constants.OperatingMode `json:"toMode,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Subscribe registers fn for every safety event and returns an unsubscribe func.
// fn runs on the goroutine that caused the transition.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSubscriber
	m.nextSubscriber++
	m.subscribers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Events bounded event log, oldest first
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.eventsWrapped {
		out := make([]Event, m.nextEvent)
		copy(out, m.events[:m.nextEvent])
		return out
	}
	out := make([]Event, 0, len(m.events))
	out = append(out, m.events[m.nextEvent:]...)
	out = append(out, m.events[:m.nextEvent]...)
	return out
}

func (m *Monitor) recordLocked(e Event) Event {
	m.events[m.nextEvent] = e
	m.nextEvent = (m.nextEvent + 1) % len(m.events)
	if m.nextEvent == 0 {
		m.eventsWrapped = true
	}
	return e
}

func (m *Monitor) broadcast(e Event) {
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}
