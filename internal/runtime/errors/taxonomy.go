package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

// Handler control errors. Returning one of these (or wrapping it) from a
// handler decides what happens to the delivery.
var (
	// ErrRetry requeues the delivery until the retry budget is exhausted.
	ErrRetry = sterrors.New("svcflow: retry message")

	// ErrDeadLetter moves the delivery to the dead-letter topic without retrying.
	ErrDeadLetter = sterrors.New("svcflow: send to dead letter topic")

	// ErrSkip acknowledges the delivery without reporting a failure.
	ErrSkip = sterrors.New("svcflow: skip message")
)

// Envelope kinds for errors produced by the runtime itself.
const (
	KindDecode         = "DecodeError"
	KindRouting        = "RoutingError"
	KindTimeout        = "TimeoutError"
	KindTransport      = "TransportError"
	KindInfrastructure = "InfrastructureError"
	KindPanic          = "Panic"
	KindDeadLettered   = "DeadLettered"
	KindApplication    = "ApplicationError"
)

// TransportError reports a broker level failure such as publishing while
// disconnected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("svcflow: transport: %v", e.Err)
	}
	return fmt.Sprintf("svcflow: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err, returning nil for a nil err.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if sterrors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// DecodeError means an inbound payload could not be turned into a call.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("svcflow: decode: %s: %v", e.Reason, e.Err)
	}
	return "svcflow: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RoutingError means the message names a method or event nobody serves.
type RoutingError struct {
	Service string
	Target  string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("svcflow: no route for %q on service %q", e.Target, e.Service)
}

// ApplicationError is raised by service code. Kind is the name reported in
// the reply envelope.
type ApplicationError struct {
	Kind    string
	Message string
	Err     error
}

func (e *ApplicationError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// NewApplicationError builds an ApplicationError with the given kind.
func NewApplicationError(kind, message string) *ApplicationError {
	return &ApplicationError{Kind: kind, Message: message}
}

// TimeoutError is returned to an RPC caller whose deadline passed before a
// reply arrived.
type TimeoutError struct {
	CorrelationID string
	Target        string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("svcflow: rpc %s (%s) timed out after %s", e.Target, e.CorrelationID, e.After)
}

// InfrastructureError marks a failure outside the service's own logic, for
// example an unreachable dependency. These are requeued.
type InfrastructureError struct {
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("svcflow: infrastructure: %v", e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRetry) match infrastructure failures.
func (e *InfrastructureError) Is(target error) bool {
	return target == ErrRetry
}

// Infrastructure wraps err as an InfrastructureError.
func Infrastructure(err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Err: err}
}

// RemoteError is the caller's view of an error envelope.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("svcflow: remote %s: %s", e.Kind, e.Message)
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("svcflow: panic recovered: %v", e.Value)
}

// Outcome is what the worker pool does with a delivery once the handler
// returns.
type Outcome int

const (
	// OutcomeAck acknowledges the delivery; RPC callers get a reply.
	OutcomeAck Outcome = iota
	// OutcomeRequeue rejects with requeue while retries remain.
	OutcomeRequeue
	// OutcomeDeadLetter publishes the delivery to the dead-letter topic.
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Classify maps a handler error to an Outcome. Application, decode, routing
// and panic errors are acknowledged; infrastructure and retry errors requeue.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeAck
	}
	switch {
	case sterrors.Is(err, ErrDeadLetter):
		return OutcomeDeadLetter
	case sterrors.Is(err, ErrSkip):
		return OutcomeAck
	case sterrors.Is(err, ErrRetry):
		return OutcomeRequeue
	}
	var te *TransportError
	if sterrors.As(err, &te) {
		return OutcomeRequeue
	}
	return OutcomeAck
}

// KindOf returns the envelope kind for err.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		app    *ApplicationError
		dec    *DecodeError
		route  *RoutingError
		tout   *TimeoutError
		trans  *TransportError
		infra  *InfrastructureError
		pnc    *PanicError
		remote *RemoteError
	)
	switch {
	case sterrors.As(err, &app):
		if app.Kind != "" {
			return app.Kind
		}
		return KindApplication
	case sterrors.As(err, &dec):
		return KindDecode
	case sterrors.As(err, &route):
		return KindRouting
	case sterrors.As(err, &tout):
		return KindTimeout
	case sterrors.As(err, &pnc):
		return KindPanic
	case sterrors.As(err, &infra):
		return KindInfrastructure
	case sterrors.As(err, &trans):
		return KindTransport
	case sterrors.As(err, &remote):
		return remote.Kind
	case sterrors.Is(err, ErrDeadLetter):
		return KindDeadLettered
	}
	return KindApplication
}

// IsExpected reports whether err matches any of the expected errors.
func IsExpected(err error, expected []error) bool {
	for _, target := range expected {
		if target != nil && sterrors.Is(err, target) {
			return true
		}
	}
	return false
}
