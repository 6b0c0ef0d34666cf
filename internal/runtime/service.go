package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	"github.com/drblury/svcflow/internal/runtime/rpc"
)

// Service describes one service: its entrypoints, the dependencies injected
// into its workers and the size of its worker pool. Declaration errors are
// collected and reported by Container.Register.
type Service struct {
	name      string
	capacity  int
	rateLimit float64
	rateBurst int

	mu          sync.Mutex
	frozen      bool
	entrypoints []*Entrypoint
	byName      map[string]*Entrypoint
	deps        []dependencySlot
	errs        []error
}

type dependencySlot struct {
	name     string
	provider Provider
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithCapacity sets the worker pool size. It overrides the configured
// capacity for the service.
func WithCapacity(n int) ServiceOption {
	return func(s *Service) {
		s.capacity = n
	}
}

// WithRateLimit caps invocations per second across the service's pool.
func WithRateLimit(perSecond float64, burst int) ServiceOption {
	return func(s *Service) {
		s.rateLimit = perSecond
		s.rateBurst = burst
	}
}

// NewService starts the declaration of service name.
func NewService(name string, opts ...ServiceOption) *Service {
	s := &Service{
		name:   name,
		byName: make(map[string]*Entrypoint),
	}
	if name == "" {
		s.errs = append(s.errs, errspkg.ErrServiceNameRequired)
	} else if !rpc.ValidName(name) {
		s.errs = append(s.errs, fmt.Errorf("%w: service %q", errspkg.ErrInvalidName, name))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.capacity < 0 {
		s.errs = append(s.errs, fmt.Errorf("%w: %d", errspkg.ErrInvalidCapacity, s.capacity))
	}
	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Capacity returns the declared pool size, or zero when the configuration
// decides.
func (s *Service) Capacity() int { return s.capacity }

// RPC exposes h as method.
func (s *Service) RPC(method string, h handlerspkg.Handler, opts ...EntrypointOption) *Service {
	if method == "" {
		return s.fail(errspkg.ErrMethodNameRequired)
	}
	if !rpc.ValidName(method) {
		return s.fail(fmt.Errorf("%w: method %q", errspkg.ErrInvalidName, method))
	}
	return s.add(&Entrypoint{Kind: KindRPC, Name: method, Handler: h}, opts)
}

// Event subscribes handler name to eventType events dispatched by source.
func (s *Service) Event(name, source, eventType string, h handlerspkg.Handler, opts ...EntrypointOption) *Service {
	if source == "" || eventType == "" {
		return s.fail(fmt.Errorf("%w: handler %q", errspkg.ErrEventBindingRequired, name))
	}
	if name == "" {
		name = "on_" + source + "_" + eventType
	}
	return s.add(&Entrypoint{Kind: KindEvent, Name: name, Source: source, EventType: eventType, Handler: h}, opts)
}

// Timer runs h every interval.
func (s *Service) Timer(name string, interval time.Duration, h handlerspkg.Handler, opts ...EntrypointOption) *Service {
	if interval <= 0 {
		return s.fail(fmt.Errorf("%w: timer %q", errspkg.ErrIntervalRequired, name))
	}
	return s.add(&Entrypoint{Kind: KindTimer, Name: name, Interval: interval, Handler: h}, opts)
}

// Dependency declares a value injected into every worker under name.
func (s *Service) Dependency(name string, p Provider) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		s.errs = append(s.errs, fmt.Errorf("%w: dependency %q", errspkg.ErrServiceFrozen, name))
		return s
	}
	if p == nil {
		s.errs = append(s.errs, fmt.Errorf("%w: %q", errspkg.ErrProviderRequired, name))
		return s
	}
	for _, d := range s.deps {
		if d.name == name {
			s.errs = append(s.errs, fmt.Errorf("%w: %q", errspkg.ErrDuplicateDependency, name))
			return s
		}
	}
	s.deps = append(s.deps, dependencySlot{name: name, provider: p})
	return s
}

// Entrypoints returns the declared entrypoints in declaration order.
func (s *Service) Entrypoints() []*Entrypoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entrypoint, len(s.entrypoints))
	copy(out, s.entrypoints)
	return out
}

// Entrypoint looks up an entrypoint by name.
func (s *Service) Entrypoint(name string) (*Entrypoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.byName[name]
	return ep, ok
}

// Err reports every declaration error.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

func (s *Service) add(ep *Entrypoint, opts []EntrypointOption) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		s.errs = append(s.errs, fmt.Errorf("%w: entrypoint %q", errspkg.ErrServiceFrozen, ep.Name))
		return s
	}
	if ep.Handler == nil {
		s.errs = append(s.errs, fmt.Errorf("%w: entrypoint %q", errspkg.ErrHandlerRequired, ep.Name))
		return s
	}
	if _, dup := s.byName[ep.Name]; dup {
		s.errs = append(s.errs, fmt.Errorf("%w: %q", errspkg.ErrDuplicateEntrypoint, ep.Name))
		return s
	}
	ep.Service = s.name
	for _, opt := range opts {
		if opt != nil {
			opt(ep)
		}
	}
	s.entrypoints = append(s.entrypoints, ep)
	s.byName[ep.Name] = ep
	return s
}

func (s *Service) fail(err error) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	return s
}

func (s *Service) freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

func (s *Service) dependencies() []dependencySlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dependencySlot, len(s.deps))
	copy(out, s.deps)
	return out
}
