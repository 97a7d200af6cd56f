package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Publisher is satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTNotifier 发布到 <prefix>/<device_id>/<event type>
type MQTTNotifier struct {
	publisher Publisher
	prefix    string
	qos       byte
}

var _ Notifier = (*MQTTNotifier)(nil)

func NewMQTTNotifier(publisher Publisher, prefix string, qos byte) *MQTTNotifier {
	return &MQTTNotifier{publisher: publisher, prefix: strings.TrimSuffix(prefix, "/"), qos: qos}
}

func (n *MQTTNotifier) Notify(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return n.publisher.Publish(n.Topic(event), n.qos, false, payload)
}

// Topic returns the topic an event is published on.
func (n *MQTTNotifier) Topic(event Event) string {
	return n.prefix + "/" + event.DeviceID + "/" + event.Type
}
