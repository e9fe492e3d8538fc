package transport

import (
	"sync"
)

const memoryBufferSize = 64

// MemoryBroker is an in-process topic broker. Each subscriber drains a
// buffered stream on its own goroutine, so publishers never block; a
// subscriber that falls more than the buffer behind loses messages,
// which the protocol above tolerates by design.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*memorySubscriber
	nextID      int64
	closed      bool
}

type memorySubscriber struct {
	id     int64
	stream chan []byte
	done   chan struct{}
}

// NewMemoryBroker constructs an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subscribers: make(map[string]map[int64]*memorySubscriber),
	}
}

// Subscribe registers a handler for a topic and returns its teardown.
func (broker *MemoryBroker) Subscribe(topic string, handler func(payload []byte)) (Unsubscribe, error) {
	if topic == "" {
		return nil, ErrMissingTopic
	}
	if handler == nil {
		return nil, ErrMissingHandler
	}

	broker.mu.Lock()
	if broker.closed {
		broker.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	broker.nextID++
	subscriber := &memorySubscriber{
		id:     broker.nextID,
		stream: make(chan []byte, memoryBufferSize),
		done:   make(chan struct{}),
	}
	if _, ok := broker.subscribers[topic]; !ok {
		broker.subscribers[topic] = make(map[int64]*memorySubscriber)
	}
	broker.subscribers[topic][subscriber.id] = subscriber
	broker.mu.Unlock()

	go func() {
		for {
			select {
			case payload, ok := <-subscriber.stream:
				if !ok {
					return
				}
				handler(payload)
			case <-subscriber.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			broker.mu.Lock()
			if subscribers, ok := broker.subscribers[topic]; ok {
				delete(subscribers, subscriber.id)
				if len(subscribers) == 0 {
					delete(broker.subscribers, topic)
				}
			}
			broker.mu.Unlock()
			close(subscriber.done)
		})
	}, nil
}

// Publish delivers the payload to every current subscriber of the topic,
// including any subscription held by the publisher itself.
func (broker *MemoryBroker) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrMissingTopic
	}

	broker.mu.RLock()
	if broker.closed {
		broker.mu.RUnlock()
		return ErrBrokerClosed
	}
	subscribers := broker.subscribers[topic]
	copies := make([]*memorySubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	broker.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- payload:
		default:
		}
	}
	return nil
}

// Close rejects further publishes and subscribes. Existing subscriber
// goroutines drain what they have buffered and stop on unsubscribe.
func (broker *MemoryBroker) Close() {
	broker.mu.Lock()
	broker.closed = true
	broker.mu.Unlock()
}
