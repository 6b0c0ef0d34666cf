// Package amqpfanout provides a RabbitMQ transport built on watermill-amqp.
// Every topic is a durable fanout exchange and every svcflow queue is a
// durable queue bound to the exchanges of the topics it consumes. Topic
// patterns are not supported; use the rabbitmq transport for wildcard
// routing.
package amqpfanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/svcflow/transport"
	"github.com/drblury/svcflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "amqpfanout"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AMQPFanoutCapabilities)
}

// Build creates a broker sharing one watermill AMQP connection between the
// publisher and every queue subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	uri := cfg.GetBrokerURI()
	if uri == "" {
		return nil, fmt.Errorf("svcflow: amqpfanout transport requires a broker uri")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := &conn{uri: uri, logger: logger}

	return bridge.New(TransportName, transport.AMQPFanoutCapabilities, bridge.Backend{
		Publisher: func(context.Context) (message.Publisher, error) {
			wrapper, err := c.get()
			if err != nil {
				return nil, err
			}
			return PublisherFactory(QueueConfig(uri, "", 0), logger, wrapper)
		},
		Subscriber: func(_ context.Context, queue string, opts transport.SubscribeOptions) (message.Subscriber, error) {
			wrapper, err := c.get()
			if err != nil {
				return nil, err
			}
			return SubscriberFactory(QueueConfig(uri, queue, opts.Prefetch), logger, wrapper)
		},
		Stop:               c.close,
		CompetingConsumers: true,
	}, logger), nil
}

// QueueConfig returns the durable pub/sub configuration that consumes every
// topic through queue with the given prefetch.
func QueueConfig(uri, queue string, prefetch int) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(uri, func(topic string) string {
		if queue == "" {
			return topic
		}
		return queue
	})
	if prefetch > 0 {
		cfg.Consume.Qos.PrefetchCount = prefetch
	}
	return cfg
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AMQPFanoutCapabilities
}

type conn struct {
	uri    string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	wrapper *amqp.ConnectionWrapper
}

func (c *conn) get() (*amqp.ConnectionWrapper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapper != nil {
		return c.wrapper, nil
	}
	wrapper, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   c.uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, c.logger)
	if err != nil {
		return nil, err
	}
	c.wrapper = wrapper
	return wrapper, nil
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapper == nil {
		return nil
	}
	err := c.wrapper.Close()
	c.wrapper = nil
	return err
}
