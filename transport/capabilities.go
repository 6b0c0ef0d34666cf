package transport

// Capabilities describes the features supported by a broker backend.
// The container inspects them at start to warn about degraded guarantees.
type Capabilities struct {
	// SupportsTopicPatterns indicates subscriptions accept "*" and "#" wildcards.
	// When false, the runtime subscribes to literal topics only.
	SupportsTopicPatterns bool

	// SupportsDurableQueues indicates unacknowledged messages survive a
	// disconnect and are redelivered after reconnecting.
	SupportsDurableQueues bool

	// SupportsRequeue indicates Reject(true) hands the message back to the queue.
	SupportsRequeue bool

	// SupportsPrefetch indicates the broker bounds unacknowledged deliveries
	// per subscription.
	SupportsPrefetch bool

	// SupportsReplyTo indicates ReplyTo and CorrelationID travel as native
	// message properties rather than headers.
	SupportsReplyTo bool

	// SupportsOrdering indicates messages within a queue arrive in publish order.
	SupportsOrdering bool

	// SupportsTracing indicates headers are carried end to end.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the broker gives at-least-once
// delivery for durable queues.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsDurableQueues && c.SupportsRequeue
}

// RequiresLiteralTopics returns true when event handlers must subscribe to
// exact topics.
func (c Capabilities) RequiresLiteralTopics() bool {
	return !c.SupportsTopicPatterns
}

// Predefined capability sets for the bundled transports.
var (
	// ChannelCapabilities for the in-memory broker.
	ChannelCapabilities = Capabilities{
		Name:                  "channel",
		SupportsTopicPatterns: true,
		SupportsDurableQueues: true,
		SupportsRequeue:       true,
		SupportsPrefetch:      true,
		SupportsReplyTo:       true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
	}

	// RabbitMQCapabilities for the native AMQP 0-9-1 broker.
	RabbitMQCapabilities = Capabilities{
		Name:                  "rabbitmq",
		SupportsTopicPatterns: true,
		SupportsDurableQueues: true,
		SupportsRequeue:       true,
		SupportsPrefetch:      true,
		SupportsReplyTo:       true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
	}

	// AMQPFanoutCapabilities for the watermill-amqp backed broker.
	AMQPFanoutCapabilities = Capabilities{
		Name:                  "amqpfanout",
		SupportsDurableQueues: true,
		SupportsRequeue:       true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:                  "kafka",
		SupportsDurableQueues: true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
		MaxMessageSize:        1048576, // Default 1MB
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:                  "aws",
		SupportsDurableQueues: true,
		SupportsRequeue:       true,
		SupportsTracing:       true,
		MaxMessageSize:        262144, // 256KB
	}

	// HTTPCapabilities for the HTTP ingress/egress broker.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
