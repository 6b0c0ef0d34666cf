package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build for a name nobody registered.
var ErrUnknownTransport = errors.New("svcflow: unknown transport")

type registration struct {
	builder Builder
	caps    Capabilities
	hasCaps bool
}

// Registry maps transport names to builders. Names are case-insensitive so
// "RabbitMQ" in a config file finds the "rabbitmq" transport. Transport
// packages register themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the registry used by the package-level functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces the builder for name. Capabilities registered
// earlier are kept.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalize(name)
	e := r.entries[key]
	e.builder = builder
	r.entries[key] = e
}

// RegisterWithCapabilities adds or replaces the builder and capabilities for
// name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(name)] = registration{builder: builder, caps: caps, hasCaps: true}
}

// Lookup returns the builder registered for name.
func (r *Registry) Lookup(name string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(name)]
	if !ok || e.builder == nil {
		return nil, false
	}
	return e.builder, true
}

// GetCapabilities returns what the named transport supports. Unknown
// transports report no capabilities.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[normalize(name)]; ok && e.hasCaps {
		return e.caps
	}
	return Capabilities{Name: name}
}

// Build creates the broker selected by cfg. The broker is not connected.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	if cfg == nil {
		return nil, errors.New("svcflow: transport config is required")
	}
	name := cfg.GetTransport()
	builder, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a builder is registered for name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a broker from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
