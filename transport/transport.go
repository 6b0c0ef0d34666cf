// Package transport defines the broker contract used by the svcflow runtime.
// Each broker implementation (rabbitmq, channel, kafka, etc.) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Message is an outbound publication. The same shape is carried by every
// Delivery so handlers can inspect what the publisher sent.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
}

// SubscribeOptions controls how a queue is declared for a subscription.
type SubscribeOptions struct {
	// Prefetch bounds the number of unacknowledged deliveries handed to the
	// subscriber. Zero means one.
	Prefetch int

	// Durable queues keep their messages across disconnects and restarts.
	Durable bool

	// AutoDelete removes the queue once its last subscription closes.
	AutoDelete bool

	// Exclusive restricts the queue to the declaring connection.
	Exclusive bool
}

// Subscription is a lazy stream of deliveries for one queue. The channel stays
// open across reconnects and is closed only by Close or Disconnect.
type Subscription interface {
	Messages() <-chan *Delivery
	Close() error
}

// Broker is the reliable pub/sub client the runtime depends on. Publish fails
// fast with a TransportError while the connection is down; subscriptions pause
// and resume transparently once the broker reconnects.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, queue, pattern string, opts SubscribeOptions) (Subscription, error)
	Disconnect(ctx context.Context) error
	Connected() bool
}

// Builder is the function signature for creating a broker from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the configuration values needed by transports.
// Transports only read the keys relevant to them.
type Config interface {
	// GetTransport returns the registered transport name.
	GetTransport() string

	// GetBrokerURI returns the AMQP-style broker URI.
	GetBrokerURI() string

	// Reconnect tuning shared by every transport that reconnects itself.
	GetReconnectInitial() time.Duration
	GetReconnectMax() time.Duration

	// GetConnectAttempts bounds the dial attempts of the initial Connect.
	GetConnectAttempts() int

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by brokers that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
