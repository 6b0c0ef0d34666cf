package runtime

import (
	"fmt"
	"time"

	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	idspkg "github.com/drblury/svcflow/internal/runtime/ids"
	"github.com/drblury/svcflow/internal/runtime/rpc"
)

// EntrypointKind tells how an entrypoint is triggered.
type EntrypointKind int

const (
	KindRPC EntrypointKind = iota + 1
	KindEvent
	KindTimer
)

func (k EntrypointKind) String() string {
	switch k {
	case KindRPC:
		return "rpc"
	case KindEvent:
		return "event"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// HandlerType selects the queue layout of an event entrypoint.
type HandlerType int

const (
	// ServicePool gives every (service, handler) pair one durable queue.
	// Instances of the same service compete for its events.
	ServicePool HandlerType = iota
	// Singleton shares one durable queue per (source, event type) between
	// every subscriber in the system; each event is handled once overall.
	Singleton
	// Broadcast gives each process its own auto-delete queue so every
	// instance receives every event.
	Broadcast
)

func (t HandlerType) String() string {
	switch t {
	case ServicePool:
		return "service_pool"
	case Singleton:
		return "singleton"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Entrypoint binds a handler to the trigger that runs it. Entrypoints are
// built by Service and never change after registration.
type Entrypoint struct {
	Kind    EntrypointKind
	Service string
	// Name is the RPC method name, or the handler name of event and timer
	// entrypoints. It is unique within the service.
	Name string

	Source      string
	EventType   string
	HandlerType HandlerType

	Interval time.Duration
	Eager    bool

	// Expected errors are part of the entrypoint's contract and are logged
	// at info level instead of error level.
	Expected []error

	Handler handlerspkg.Handler
}

// ID returns "<service>.<name>".
func (e *Entrypoint) ID() string {
	return e.Service + "." + e.Name
}

// Binding describes what triggers the entrypoint.
func (e *Entrypoint) Binding() string {
	switch e.Kind {
	case KindRPC:
		return rpc.RequestTopic(e.Service, e.Name)
	case KindEvent:
		return EventTopic(e.Source, e.EventType)
	case KindTimer:
		return fmt.Sprintf("every %s", e.Interval)
	default:
		return ""
	}
}

// queue returns the queue an event entrypoint consumes from and whether it
// is a per-process broadcast queue.
func (e *Entrypoint) queue() (string, bool) {
	base := "evt-" + e.Source + "-" + e.EventType
	switch e.HandlerType {
	case Singleton:
		return base, false
	case Broadcast:
		return base + "--" + e.ID() + "-" + idspkg.InstanceID(), true
	default:
		return base + "--" + e.ID(), false
	}
}

// EntrypointOption customises an entrypoint at declaration.
type EntrypointOption func(*Entrypoint)

// WithExpectedErrors declares errors that are part of the entrypoint's
// contract. They are still returned to RPC callers.
func WithExpectedErrors(errs ...error) EntrypointOption {
	return func(e *Entrypoint) {
		e.Expected = append(e.Expected, errs...)
	}
}

// WithHandlerType selects the queue layout of an event entrypoint.
func WithHandlerType(t HandlerType) EntrypointOption {
	return func(e *Entrypoint) {
		e.HandlerType = t
	}
}

// Eager makes a timer fire once immediately at start.
func Eager() EntrypointOption {
	return func(e *Entrypoint) {
		e.Eager = true
	}
}
