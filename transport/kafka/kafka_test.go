package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/svcflow/transport"
	"github.com/drblury/svcflow/transport/transporttest"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.False(t, caps.SupportsTopicPatterns)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("creates subscriber per queue consumer group", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()

		pub := &transporttest.Publisher{}
		var groups []string
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			groups = append(groups, cfg.ConsumerGroup)
			return &transporttest.Subscriber{}, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaConsumerGroup: "svcflow"}
		b, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NoError(t, b.Connect(context.Background()))
		defer b.Disconnect(context.Background())

		_, err = b.Subscribe(context.Background(), "evt-users-created", "evt.users.created", transport.SubscribeOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"svcflow.evt-users-created"}, groups)

		require.NoError(t, b.Publish(context.Background(), transport.Message{Topic: "evt.users.created", Payload: []byte("{}")}))
		assert.Equal(t, 1, pub.Count("evt.users.created"))
	})

	t.Run("surfaces publisher factory errors on connect", func(t *testing.T) {
		originalPub := PublisherFactory
		defer func() { PublisherFactory = originalPub }()

		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		b, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
		err = b.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}

func TestConsumerGroup(t *testing.T) {
	assert.Equal(t, "rpc-math", ConsumerGroup("", "rpc-math"))
	assert.Equal(t, "app.rpc-math", ConsumerGroup("app", "rpc-math"))
}
