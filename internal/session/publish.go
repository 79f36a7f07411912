package session

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/percept-lab/hapticbench/internal/monitoring"
)

// StatusPublisher streams rig status snapshots to an MQTT broker for the lab
// dashboard. Publishing is fire-and-forget: a broker outage never stalls the
// control loop.
type StatusPublisher struct {
	client   mqtt.Client
	topic    string
	interval time.Duration
}

// NewStatusPublisher connects to the broker and returns a publisher for
// topic. interval bounds how often the rig publishes; zero means every tick.
func NewStatusPublisher(broker, clientID, topic string, interval time.Duration) (*StatusPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return &StatusPublisher{client: client, topic: topic, interval: interval}, nil
}

// Interval returns the minimum gap between publishes.
func (p *StatusPublisher) Interval() time.Duration {
	if p == nil {
		return 0
	}
	return p.interval
}

// Publish sends one status snapshot. Marshal or publish failures are logged
// and dropped.
func (p *StatusPublisher) Publish(st Status) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		monitoring.Logf("publisher: failed to marshal status: %v", err)
		return
	}
	p.client.Publish(p.topic, 0, false, payload)
}

// Close disconnects from the broker.
func (p *StatusPublisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(250)
}
