package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/svcflow/internal/runtime"
)

// ServiceFactory declares a fresh Service. Factories are called once per run
// because a Service is frozen after its container starts.
type ServiceFactory func() *runtime.Service

// Catalog maps service names to factories so the runner can select services
// from the command line.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]ServiceFactory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]ServiceFactory)}
}

// DefaultCatalog is the catalog used by Register and the svcflow binary.
var DefaultCatalog = NewCatalog()

// Register adds a factory under name, replacing any previous one.
func (c *Catalog) Register(name string, factory ServiceFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = factory
}

// Names returns the registered service names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build declares the named services, or every registered service when names
// is empty.
func (c *Catalog) Build(names []string) ([]*runtime.Service, error) {
	if len(names) == 0 {
		names = c.Names()
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no services registered")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	services := make([]*runtime.Service, 0, len(names))
	for _, name := range names {
		factory, ok := c.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown service %q (known: %v)", name, c.namesLocked())
		}
		svc := factory()
		if svc == nil {
			return nil, fmt.Errorf("service factory %q returned nil", name)
		}
		services = append(services, svc)
	}
	return services, nil
}

func (c *Catalog) namesLocked() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a factory to DefaultCatalog.
func Register(name string, factory ServiceFactory) {
	DefaultCatalog.Register(name, factory)
}
