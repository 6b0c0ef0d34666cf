// Package kafka provides a Kafka transport for svcflow.
// Every queue maps to a consumer group, so services compete per queue and
// receive their own copy of a topic across queues.
package kafka

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/svcflow/transport"
	"github.com/drblury/svcflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("svcflow: kafka transport requires at least one broker")
	}
	groupPrefix := cfg.GetKafkaConsumerGroup()

	return bridge.New(TransportName, transport.KafkaCapabilities, bridge.Backend{
		Publisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(
				kafka.PublisherConfig{
					Brokers:   brokers,
					Marshaler: kafka.DefaultMarshaler{},
				},
				logger,
			)
		},
		Subscriber: func(_ context.Context, queue string, _ transport.SubscribeOptions) (message.Subscriber, error) {
			return SubscriberFactory(
				kafka.SubscriberConfig{
					Brokers:       brokers,
					Unmarshaler:   kafka.DefaultMarshaler{},
					ConsumerGroup: ConsumerGroup(groupPrefix, queue),
				},
				logger,
			)
		},
	}, logger), nil
}

// ConsumerGroup derives the consumer group for queue.
func ConsumerGroup(prefix, queue string) string {
	if prefix == "" {
		return queue
	}
	return prefix + "." + queue
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
