package transport

import "errors"

var (
	// ErrBrokerClosed indicates a publish or subscribe against a closed broker.
	ErrBrokerClosed = errors.New("transport: broker closed")
	// ErrMissingTopic indicates an empty topic name.
	ErrMissingTopic = errors.New("transport: topic is required")
	// ErrMissingHandler indicates a subscribe without a message handler.
	ErrMissingHandler = errors.New("transport: handler is required")
)

// Unsubscribe tears down one subscription. Safe to call more than once.
type Unsubscribe func()

// Broker is the topic-based publish/subscribe channel the collaboration
// core rides on. Delivery is at-least-once with no ordering guarantee
// across publishers; ordering is supplied above this layer.
type Broker interface {
	Subscribe(topic string, handler func(payload []byte)) (Unsubscribe, error)
	Publish(topic string, payload []byte) error
}
