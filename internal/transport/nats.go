package transport

import (
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var errMissingNATSURL = errors.New("transport: nats url is required")

// NATSBrokerConfig describes a connection to a NATS cluster.
type NATSBrokerConfig struct {
	URL    string
	Name   string
	Logger *zap.Logger

	// OnFault is invoked when the underlying connection drops, so the
	// connection lifecycle manager can enter its reconnect path.
	OnFault func(err error)
}

// NATSBroker adapts a NATS connection to the Broker contract for
// multi-node deployments where document topics span processes.
type NATSBroker struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSBroker dials the cluster and returns the adapter.
func NewNATSBroker(cfg NATSBrokerConfig) (*NATSBroker, error) {
	if cfg.URL == "" {
		return nil, errMissingNATSURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	options := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats connection lost", zap.Error(err))
			if cfg.OnFault != nil && err != nil {
				cfg.OnFault(err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("server", conn.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, err
	}
	return &NATSBroker{conn: conn, logger: logger}, nil
}

// Subscribe registers a handler for a topic.
func (broker *NATSBroker) Subscribe(topic string, handler func(payload []byte)) (Unsubscribe, error) {
	if topic == "" {
		return nil, ErrMissingTopic
	}
	if handler == nil {
		return nil, ErrMissingHandler
	}
	subscription, err := broker.conn.Subscribe(topic, func(message *nats.Msg) {
		handler(message.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := subscription.Unsubscribe(); err != nil {
			broker.logger.Warn("nats unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}, nil
}

// Publish sends the payload to a topic.
func (broker *NATSBroker) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrMissingTopic
	}
	return broker.conn.Publish(topic, payload)
}

// Close drains and closes the connection.
func (broker *NATSBroker) Close() {
	if err := broker.conn.Drain(); err != nil {
		broker.logger.Warn("nats drain failed", zap.Error(err))
	}
}
