package estop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"robofleet/pkg/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Broadcaster publishes e-stop commands for fleetd
type Broadcaster struct {
	client publisher
	prefix string
	qos    byte
	now    func() time.Time
}

// NewBroadcaster creates a broadcaster on topic prefix
func NewBroadcaster(client publisher, prefix string, qos byte) *Broadcaster {
	return &Broadcaster{client: client, prefix: prefix, qos: qos, now: time.Now}
}

// Send validates and publishes c
func (b *Broadcaster) Send(ctx context.Context, c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = b.now()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal e-stop command: %w", err)
	}

	topic := TopicFor(b.prefix, c)
	if err := waitToken(b.client.Publish(topic, b.qos, false, payload), publishTimeout, "publish"); err != nil {
		logger.ErrorCtx(ctx, "failed to broadcast e-stop %s on %s: %v", c.Action, topic, err)
		return err
	}
	logger.WarnCtx(ctx, "e-stop %s broadcast, topic: %s, reason: %s, issued_by: %s", c.Action, topic, c.Reason, c.IssuedBy)
	return nil
}
