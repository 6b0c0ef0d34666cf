package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
)

// State is the lifecycle state of a PendingCall.
type State int32

const (
	StatePending State = iota
	// StateFulfilled means a success reply arrived.
	StateFulfilled
	StateTimedOut
	// StateFailed means an error reply arrived or the call ended locally:
	// the publish failed, the caller gave up or the client stopped.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingCall is an outstanding RPC call. It leaves StatePending exactly once.
type PendingCall struct {
	CorrelationID string
	Service       string
	Method        string
	Payload       []byte
	CreatedAt     time.Time
	Deadline      time.Time

	state  atomic.Int32
	done   chan struct{}
	result jsoncodec.RawMessage
	err    error

	mu       sync.Mutex
	timer    *time.Timer
	span     trace.Span
	onSettle func(*PendingCall)
}

func newPendingCall(id, service, method string, payload []byte, timeout time.Duration) *PendingCall {
	now := time.Now()
	return &PendingCall{
		CorrelationID: id,
		Service:       service,
		Method:        method,
		Payload:       payload,
		CreatedAt:     now,
		Deadline:      now.Add(timeout),
		done:          make(chan struct{}),
	}
}

// State returns the current state.
func (p *PendingCall) State() State {
	return State(p.state.Load())
}

// Done is closed once the call has settled.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled result. It is only meaningful after Done.
func (p *PendingCall) Result() (jsoncodec.RawMessage, error) {
	return p.result, p.err
}

// Wait blocks until the call settles or ctx ends. Ending ctx fails the call
// locally; the remote worker is not interrupted.
func (p *PendingCall) Wait(ctx context.Context) (jsoncodec.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.settle(StateTimedOut, nil, p.timeoutError())
		} else {
			p.settle(StateFailed, nil, ctx.Err())
		}
		<-p.done
		return p.result, p.err
	}
}

func (p *PendingCall) expireAfter(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(d, func() {
		p.settle(StateTimedOut, nil, p.timeoutError())
	})
}

func (p *PendingCall) timeoutError() error {
	return &errspkg.TimeoutError{
		CorrelationID: p.CorrelationID,
		Target:        p.Service + "." + p.Method,
		After:         p.Deadline.Sub(p.CreatedAt),
	}
}

func (p *PendingCall) settle(state State, result jsoncodec.RawMessage, err error) bool {
	if !p.state.CompareAndSwap(int32(StatePending), int32(state)) {
		return false
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.result = result
	p.err = err
	if p.span != nil {
		p.span.SetAttributes(rpcStateAttr.String(state.String()))
		if err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, err.Error())
		}
		p.span.End()
	}
	if p.onSettle != nil {
		p.onSettle(p)
	}
	close(p.done)
	return true
}
