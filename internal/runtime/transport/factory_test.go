package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/svcflow/internal/runtime/config"
	"github.com/drblury/svcflow/internal/runtime/logging"
	brokerpkg "github.com/drblury/svcflow/transport"
	"github.com/drblury/svcflow/transport/channel"
)

func testLogger() watermill.LoggerAdapter {
	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logging.NewWatermillAdapter(logging.NewSlogServiceLogger(slogger))
}

func TestDefaultFactoryBuildsChannelBroker(t *testing.T) {
	b, err := DefaultFactory().Build(context.Background(), &config.Config{Transport: "channel"}, testLogger())
	require.NoError(t, err)
	_, ok := b.(*channel.Broker)
	assert.True(t, ok, "expected *channel.Broker, got %T", b)
	assert.False(t, b.Connected())
}

func TestDefaultFactoryRegistersBuiltins(t *testing.T) {
	for _, name := range []string{"rabbitmq", "amqpfanout", "channel", "kafka", "nats", "aws", "http"} {
		assert.True(t, brokerpkg.DefaultRegistry.Has(name), name)
	}
}

func TestDefaultFactoryNilConfig(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestDefaultFactoryUnknownTransport(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), &config.Config{Transport: "carrier-pigeon"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestRegistryFactoryUsesGivenRegistry(t *testing.T) {
	reg := brokerpkg.NewRegistry()
	want := channel.New(nil)
	reg.Register("memory", func(context.Context, brokerpkg.Config, watermill.LoggerAdapter) (brokerpkg.Broker, error) {
		return want, nil
	})

	got, err := RegistryFactory(reg).Build(context.Background(), &config.Config{Transport: "memory"}, nil)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestFactoryFunc(t *testing.T) {
	want := channel.New(nil)
	f := FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (brokerpkg.Broker, error) {
		return want, nil
	})
	got, err := f.Build(context.Background(), &config.Config{}, nil)
	require.NoError(t, err)
	assert.Same(t, want, got)
}
