// Package messaging bridges broadcast events between relay instances over
// NATS. A single relay process needs none of this; when several instances
// run behind a load balancer, each publishes its chat and ephemeral
// broadcasts to a shared subject and forwards the other instances' events to
// its own connections. Presence and cursors stay instance-local.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectEvents is the shared subject all relay instances publish to.
const SubjectEvents = "relay.events"

// Event is the cross-instance envelope: the origin instance name plus the
// already-encoded server-to-client message bytes.
type Event struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// BridgeConfig holds NATS connection settings.
type BridgeConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // instance name, used as event origin
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultBridgeConfig returns sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		URL:           "nats://localhost:4222",
		Name:          "relay-1",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bridge wraps the NATS connection for cross-instance event fan-out.
type Bridge struct {
	conn *nats.Conn
	name string
	sub  *nats.Subscription
}

// NewBridge connects to NATS with the given config and returns a ready
// bridge. It returns an error if the initial connection fails.
func NewBridge(config BridgeConfig) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s as %s", nc.ConnectedUrl(), config.Name)

	return &Bridge{conn: nc, name: config.Name}, nil
}

// Publish sends already-encoded server message bytes to the shared subject,
// tagged with this instance's name so peers (and our own subscription) can
// tell where it came from.
func (b *Bridge) Publish(data []byte) error {
	event, err := json.Marshal(Event{Origin: b.name, Data: data})
	if err != nil {
		return fmt.Errorf("nats marshal event: %w", err)
	}
	return b.conn.Publish(SubjectEvents, event)
}

// Start subscribes to the shared subject and invokes handler with the raw
// server message bytes of every event published by another instance. Events
// originating from this instance are skipped.
func (b *Bridge) Start(handler func(data []byte)) error {
	sub, err := b.conn.Subscribe(SubjectEvents, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad event payload: %v", err)
			return
		}
		if event.Origin == b.name {
			return // our own broadcast, already delivered locally
		}
		handler(event.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectEvents, err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
}
