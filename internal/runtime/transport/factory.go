// Package transport builds the broker a container connects to.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/svcflow/internal/runtime/config"
	brokerpkg "github.com/drblury/svcflow/transport"

	// Register the built-in transports.
	_ "github.com/drblury/svcflow/transport/transports"
)

// Factory abstracts how the container obtains its broker.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokerpkg.Broker, error)
}

// FactoryFunc adapts a function into a Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokerpkg.Broker, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokerpkg.Broker, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return registryFactory{registry: brokerpkg.DefaultRegistry}
}

// RegistryFactory returns a factory that looks transports up in registry.
func RegistryFactory(registry *brokerpkg.Registry) Factory {
	return registryFactory{registry: registry}
}

type registryFactory struct {
	registry *brokerpkg.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokerpkg.Broker, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return f.registry.Build(ctx, conf, logger)
}
