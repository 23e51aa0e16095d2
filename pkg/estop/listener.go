package estop

import (
	"context"
	"errors"
	"sync"

	"robofleet/pkg/constants"
	"robofleet/pkg/logger"
	"robofleet/pkg/safety"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Target safety monitor commands are applied to
type Target interface {
	TriggerEStop(actor constants.Actor, reason string, category constants.StopCategory)
	ResetEStop(actor constants.Actor, manual bool) error
}

// Listener applies broadcast commands addressed to one robot
type Listener struct {
	client  subscriber
	prefix  string
	qos     byte
	robotID string
	zone    string
	target  Target

	mu     sync.Mutex
	topics []string
}

// NewListener creates a listener for a robot in zone
func NewListener(client subscriber, prefix string, qos byte, robotID, zone string, target Target) *Listener {
	return &Listener{
		client:  client,
		prefix:  prefix,
		qos:     qos,
		robotID: robotID,
		zone:    zone,
		target:  target,
	}
}

// Start subscribes to the fleet topic and the robot's zone topic
func (l *Listener) Start(ctx context.Context) error {
	topics := []string{AllTopic(l.prefix)}
	if l.zone != "" {
		topics = append(topics, ZoneTopic(l.prefix, l.zone))
	}
	for _, topic := range topics {
		if err := waitToken(l.client.Subscribe(topic, l.qos, l.onMessage), connectTimeout, "subscribe"); err != nil {
			return err
		}
		logger.InfoCtx(ctx, "subscribed to e-stop topic %s", topic)
	}
	l.mu.Lock()
	l.topics = topics
	l.mu.Unlock()
	return nil
}

// Stop unsubscribes
func (l *Listener) Stop() error {
	l.mu.Lock()
	topics := l.topics
	l.topics = nil
	l.mu.Unlock()
	if len(topics) == 0 {
		return nil
	}
	return waitToken(l.client.Unsubscribe(topics...), connectTimeout, "unsubscribe")
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	l.Apply(msg.Payload())
}

// Apply decodes one payload and applies it to the target
func (l *Listener) Apply(payload []byte) {
	c, err := decode(payload)
	if err != nil {
		logger.Warn("dropping e-stop command", zap.String("robot_id", l.robotID), zap.Error(err))
		return
	}
	if c.Scope == ScopeZone && c.Zone != l.zone {
		return
	}

	actor := constants.ActorServer
	if c.Scope == ScopeZone {
		actor = constants.ActorZone
	}

	switch c.Action {
	case ActionTrigger:
		l.target.TriggerEStop(actor, c.Reason, c.Category)
	case ActionReset:
		// operator initiated from the fleet console
		err := l.target.ResetEStop(constants.ActorRemote, true)
		if err != nil && !errors.Is(err, safety.ErrNotTriggered) {
			logger.Warn("remote e-stop reset failed", zap.String("robot_id", l.robotID), zap.Error(err))
		}
	}
}
