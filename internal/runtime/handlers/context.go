// Package handlers holds the invocation a worker runs with and adapters that
// turn typed JSON or protobuf functions into entrypoint handlers.
package handlers

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
)

// Handler is the function bound to an entrypoint. RPC handlers return the
// reply result; event and timer handlers return nil.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// MessageContextBase provides common functionality for all message context types.
// It holds the metadata and logger shared by JSON and Proto handlers.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing messages without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadatapkg.KeyCorrelationID]
}

// Invocation is the per-call worker state: the decoded call, the headers it
// arrived with and the dependencies injected for this call only.
type Invocation struct {
	MessageContextBase

	Service    string
	Entrypoint string
	// CallID is "<service>.<entrypoint>.<ulid>" and is pushed onto the call
	// stack of every message the worker sends.
	CallID string

	// RPC arguments.
	Args   []jsoncodec.RawMessage
	Kwargs map[string]jsoncodec.RawMessage

	// Payload is the event payload. Empty for RPC and timer calls.
	Payload jsoncodec.RawMessage

	dependencies map[string]any
}

// SetDependency injects value under name. Called by the worker pool before
// the handler runs.
func (i *Invocation) SetDependency(name string, value any) {
	if i.dependencies == nil {
		i.dependencies = make(map[string]any)
	}
	i.dependencies[name] = value
}

// Dependency returns the value injected under name.
func (i *Invocation) Dependency(name string) any {
	return i.dependencies[name]
}

// DependencyAs returns the dependency injected under name as T.
func DependencyAs[T any](inv *Invocation, name string) (T, error) {
	v, ok := inv.dependencies[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", errspkg.ErrUnknownDependency, name)
	}
	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("svcflow: dependency %s is %T, not %T", name, v, zero)
	}
	return typed, nil
}

// Arg decodes positional argument n into v.
func (i *Invocation) Arg(n int, v any) error {
	if n < 0 || n >= len(i.Args) {
		return &errspkg.DecodeError{Reason: fmt.Sprintf("missing positional argument %d", n)}
	}
	if err := jsoncodec.Unmarshal(i.Args[n], v); err != nil {
		return &errspkg.DecodeError{Reason: fmt.Sprintf("argument %d", n), Err: err}
	}
	return nil
}

// Kwarg decodes keyword argument name into v. It reports false when the
// argument was not sent.
func (i *Invocation) Kwarg(name string, v any) (bool, error) {
	raw, ok := i.Kwargs[name]
	if !ok {
		return false, nil
	}
	if err := jsoncodec.Unmarshal(raw, v); err != nil {
		return true, &errspkg.DecodeError{Reason: "argument " + name, Err: err}
	}
	return true, nil
}

// Source returns the JSON document typed handlers decode: the event payload,
// the keyword arguments as an object, a lone positional argument, or all
// positional arguments as an array.
func (i *Invocation) Source() ([]byte, error) {
	switch {
	case len(i.Payload) > 0:
		return i.Payload, nil
	case len(i.Kwargs) > 0:
		return jsoncodec.Marshal(i.Kwargs)
	case len(i.Args) == 1:
		return i.Args[0], nil
	case len(i.Args) > 1:
		return jsoncodec.Marshal(i.Args)
	}
	return []byte("{}"), nil
}

// Bind decodes Source into v.
func (i *Invocation) Bind(v any) error {
	src, err := i.Source()
	if err != nil {
		return &errspkg.DecodeError{Reason: "arguments", Err: err}
	}
	if err := jsoncodec.Unmarshal(src, v); err != nil {
		return &errspkg.DecodeError{Reason: "arguments", Err: err}
	}
	return nil
}
