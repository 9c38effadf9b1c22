package transport

import "context"

// MessageHandler receives an inbound message for a matched topic.
type MessageHandler func(topic string, payload []byte)

// MessageBus is the minimal publish/subscribe surface the rest of the
// service depends on. The MQTT connection implements it; tests use fakes.
type MessageBus interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Subscribe(pattern string, qos byte, handler MessageHandler) error
}
