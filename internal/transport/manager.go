package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMaxAttempts    = 8
	eventBufferSize       = 64

	// ReasonTimeout is the error event reason emitted when the broker
	// does not acknowledge the subscription within the connect timeout.
	ReasonTimeout = "timeout"
	// ReasonAttemptsExhausted is emitted when the reconnect ceiling is hit.
	ReasonAttemptsExhausted = "attempts_exhausted"
)

var (
	errMissingBroker = errors.New("transport: broker is required")
	errMissingTopics = errors.New("transport: at least one topic is required")
	// ErrManagerClosed indicates a Connect call after Close.
	ErrManagerClosed = errors.New("transport: manager closed")
	// ErrAlreadyConnecting indicates a Connect call while a cycle is running.
	ErrAlreadyConnecting = errors.New("transport: connect already in progress")
)

// State names one position in the connection lifecycle machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// EventKind tags events emitted by the manager.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventMessage      EventKind = "message"
)

// Event is one lifecycle or message notification. Message payloads stay
// opaque bytes; decoding belongs to the subscriber.
type Event struct {
	Kind    EventKind
	Reason  string
	Topic   string
	Payload []byte
}

// ManagerConfig describes the dependencies of a connection manager.
type ManagerConfig struct {
	Broker         Broker
	Topics         []string
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	Logger         *zap.Logger

	// OnStateChange observes every transition; used by callers that
	// render connection health and by tests.
	OnStateChange func(state State)
}

// Manager drives the transport connection state machine: connect,
// subscribe, publish, reconnect with jittered exponential backoff, and
// teardown. Errors surface as events, never as panics, and never block
// local editing above this layer.
type Manager struct {
	mu      sync.Mutex
	broker  Broker
	topics  []string
	timeout time.Duration
	initial time.Duration
	maximum time.Duration
	ceiling int
	logger  *zap.Logger
	observe func(State)

	state   State
	unsubs  []Unsubscribe
	events  chan Event
	faults  chan error
	closed  chan struct{}
	running bool
}

// NewManager validates the configuration and returns a manager in the
// Disconnected state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	if len(cfg.Topics) == 0 {
		return nil, errMissingTopics
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maximum := cfg.MaxBackoff
	if maximum <= 0 {
		maximum = defaultMaxBackoff
	}
	ceiling := cfg.MaxAttempts
	if ceiling <= 0 {
		ceiling = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		broker:  cfg.Broker,
		topics:  append([]string(nil), cfg.Topics...),
		timeout: timeout,
		initial: initial,
		maximum: maximum,
		ceiling: ceiling,
		logger:  logger,
		observe: cfg.OnStateChange,
		state:   StateDisconnected,
		events:  make(chan Event, eventBufferSize),
		faults:  make(chan error, 1),
		closed:  make(chan struct{}),
	}, nil
}

// Events returns the stream of lifecycle and message events.
func (manager *Manager) Events() <-chan Event {
	return manager.events
}

// State returns the current lifecycle state.
func (manager *Manager) State() State {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.state
}

// Connect starts a connection cycle. Failed is terminal only until the
// next explicit Connect call.
func (manager *Manager) Connect() error {
	manager.mu.Lock()
	select {
	case <-manager.closed:
		manager.mu.Unlock()
		return ErrManagerClosed
	default:
	}
	if manager.running {
		manager.mu.Unlock()
		return ErrAlreadyConnecting
	}
	manager.running = true
	manager.mu.Unlock()

	go manager.run()
	return nil
}

// Publish sends a payload, fire-and-forget. A failed send is reported as
// an error event and a connection fault rather than returned.
func (manager *Manager) Publish(topic string, payload []byte) {
	if err := manager.broker.Publish(topic, payload); err != nil {
		manager.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		manager.emit(Event{Kind: EventError, Reason: err.Error()})
		manager.ReportFault(err)
	}
}

// ReportFault signals a transport failure observed outside the manager,
// such as a broker adapter noticing its connection dropped.
func (manager *Manager) ReportFault(err error) {
	if err == nil {
		return
	}
	select {
	case manager.faults <- err:
	default:
	}
}

// Close tears the connection down. In-flight publishes are not
// cancelled; their results are simply no longer observed.
func (manager *Manager) Close() {
	manager.mu.Lock()
	select {
	case <-manager.closed:
		manager.mu.Unlock()
		return
	default:
	}
	close(manager.closed)
	manager.dropSubscriptionsLocked()
	manager.setStateLocked(StateDisconnected)
	manager.mu.Unlock()
	manager.emit(Event{Kind: EventDisconnected})
}

func (manager *Manager) run() {
	defer func() {
		manager.mu.Lock()
		manager.running = false
		manager.mu.Unlock()
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = manager.initial
	policy.MaxInterval = manager.maximum
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	for {
		manager.setState(StateConnecting)
		err := manager.subscribeAll()
		if err == nil {
			manager.setState(StateConnected)
			manager.emit(Event{Kind: EventConnected})
			attempts = 0
			policy.Reset()

			select {
			case <-manager.closed:
				return
			case fault := <-manager.faults:
				manager.logger.Warn("transport fault", zap.Error(fault))
				manager.emit(Event{Kind: EventError, Reason: fault.Error()})
				manager.mu.Lock()
				manager.dropSubscriptionsLocked()
				manager.mu.Unlock()
				manager.setState(StateReconnecting)
			}
		} else {
			reason := ReasonTimeout
			if !errors.Is(err, errConnectTimeout) {
				reason = err.Error()
			}
			manager.emit(Event{Kind: EventError, Reason: reason})
			manager.setState(StateReconnecting)
		}

		attempts++
		if attempts >= manager.ceiling {
			manager.emit(Event{Kind: EventError, Reason: ReasonAttemptsExhausted})
			manager.setState(StateFailed)
			return
		}

		select {
		case <-manager.closed:
			return
		case <-time.After(policy.NextBackOff()):
		}
	}
}

var errConnectTimeout = errors.New("transport: connect timed out")

// subscribeAll attaches to every configured topic, bounded by the
// connect timeout. On any failure the partial subscriptions are torn
// down so the next attempt starts clean.
func (manager *Manager) subscribeAll() error {
	type outcome struct {
		unsubs []Unsubscribe
		err    error
	}
	result := make(chan outcome, 1)

	go func() {
		unsubs := make([]Unsubscribe, 0, len(manager.topics))
		for _, topic := range manager.topics {
			boundTopic := topic
			unsub, err := manager.broker.Subscribe(boundTopic, func(payload []byte) {
				manager.emit(Event{Kind: EventMessage, Topic: boundTopic, Payload: payload})
			})
			if err != nil {
				for _, u := range unsubs {
					u()
				}
				result <- outcome{err: fmt.Errorf("subscribe %s: %w", boundTopic, err)}
				return
			}
			unsubs = append(unsubs, unsub)
		}
		result <- outcome{unsubs: unsubs}
	}()

	select {
	case out := <-result:
		if out.err != nil {
			return out.err
		}
		manager.mu.Lock()
		manager.unsubs = out.unsubs
		manager.mu.Unlock()
		return nil
	case <-time.After(manager.timeout):
		go func() {
			out := <-result
			for _, u := range out.unsubs {
				u()
			}
		}()
		return errConnectTimeout
	case <-manager.closed:
		go func() {
			out := <-result
			for _, u := range out.unsubs {
				u()
			}
		}()
		return ErrManagerClosed
	}
}

func (manager *Manager) dropSubscriptionsLocked() {
	for _, unsub := range manager.unsubs {
		unsub()
	}
	manager.unsubs = nil
}

func (manager *Manager) setState(state State) {
	manager.mu.Lock()
	manager.setStateLocked(state)
	manager.mu.Unlock()
}

func (manager *Manager) setStateLocked(state State) {
	if manager.state == state {
		return
	}
	manager.state = state
	if manager.observe != nil {
		manager.observe(state)
	}
}

func (manager *Manager) emit(event Event) {
	select {
	case manager.events <- event:
	default:
	}
}
