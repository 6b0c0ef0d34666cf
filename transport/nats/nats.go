// Package nats provides a NATS Core transport for svcflow.
// Queues map to NATS queue groups; delivery is at-most-once, so durable
// redelivery guarantees do not hold on this transport.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/svcflow/transport"
	"github.com/drblury/svcflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, fmt.Errorf("svcflow: nats transport requires a url")
	}
	marshaler := &nats.NATSMarshaler{}
	options := ConnectionOptions(cfg.GetReconnectInitial())

	return bridge.New(TransportName, transport.NATSCapabilities, bridge.Backend{
		Publisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(
				nats.PublisherConfig{
					URL:         url,
					NatsOptions: options,
					Marshaler:   marshaler,
					JetStream:   nats.JetStreamConfig{Disabled: true},
				},
				logger,
			)
		},
		Subscriber: func(_ context.Context, queue string, opts transport.SubscribeOptions) (message.Subscriber, error) {
			count := opts.Prefetch
			if count < 1 {
				count = 1
			}
			return SubscriberFactory(
				nats.SubscriberConfig{
					URL:              url,
					NatsOptions:      options,
					QueueGroupPrefix: queue,
					SubscribersCount: count,
					Unmarshaler:      marshaler,
					JetStream:        nats.JetStreamConfig{Disabled: true},
				},
				logger,
			)
		},
	}, logger), nil
}

// ConnectionOptions returns the nats.go options shared by publisher and
// subscribers: unlimited reconnects spaced by reconnectWait.
func ConnectionOptions(reconnectWait time.Duration) []nc.Option {
	if reconnectWait <= 0 {
		reconnectWait = transport.DefaultReconnectInitial
	}
	return []nc.Option{
		nc.Name("svcflow"),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
		nc.RetryOnFailedConnect(true),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
