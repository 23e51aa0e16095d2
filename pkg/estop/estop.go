// Package estop carries fleet and zone emergency stops over MQTT. fleetd
// publishes commands through a Broadcaster; every robotd runs a Listener that
// applies them to its local safety monitor.
package estop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"robofleet/pkg/config"
	"robofleet/pkg/constants"
	"robofleet/pkg/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Action requested by a command
type Action string

const (
	ActionTrigger Action = "trigger"
	ActionReset   Action = "reset"
)

// Scope of a command
type Scope string

const (
	ScopeAll  Scope = "all"
	ScopeZone Scope = "zone"
)

var ErrInvalidCommand = errors.New("invalid e-stop command")

// Command one broadcast e-stop instruction
type Command struct {
	Action    Action                 `json:"action"`
	Scope     Scope                  `json:"scope"`
	Zone      string                 `json:"zone,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Category  constants.StopCategory `json:"category"`
	IssuedBy  string                 `json:"issuedBy,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Validate checks action, scope and zone
func (c Command) Validate() error {
	if c.Action != ActionTrigger && c.Action != ActionReset {
		return fmt.Errorf("%w: action %q", ErrInvalidCommand, c.Action)
	}
	switch c.Scope {
	case ScopeAll:
	case ScopeZone:
		if strings.TrimSpace(c.Zone) == "" || strings.ContainsAny(c.Zone, "/+#") {
			return fmt.Errorf("%w: zone %q", ErrInvalidCommand, c.Zone)
		}
	default:
		return fmt.Errorf("%w: scope %q", ErrInvalidCommand, c.Scope)
	}
	if !c.Category.Valid() {
		return fmt.Errorf("%w: category %d", ErrInvalidCommand, c.Category)
	}
	return nil
}

// AllTopic fleet-wide topic
func AllTopic(prefix string) string {
	return prefix + "/estop/all"
}

// ZoneTopic topic of one zone
func ZoneTopic(prefix, zone string) string {
	return prefix + "/estop/zone/" + zone
}

// TopicFor returns the topic a command is published on
func TopicFor(prefix string, c Command) string {
	if c.Scope == ScopeZone {
		return ZoneTopic(prefix, c.Zone)
	}
	return AllTopic(prefix)
}

// Dial connects to the broker with auto reconnect enabled
func Dial(cfg config.MQTTConfig, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Infof("mqtt connection established, broker: %s, client_id: %s", cfg.Broker, clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warnf("mqtt connection lost, will auto-reconnect, broker: %s, error: %v", cfg.Broker, err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

func decode(payload []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return c, c.Validate()
}

func waitToken(t mqtt.Token, timeout time.Duration, op string) error {
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s timeout", op)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt %s failed: %w", op, err)
	}
	return nil
}
