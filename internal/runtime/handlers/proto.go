package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
)

var (
	protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}
	protoMarshal   = protojson.MarshalOptions{UseProtoNames: true}
)

// ProtoContext provides strongly typed access to the decoded arguments.
type ProtoContext[T proto.Message] struct {
	*Invocation
	Payload T
}

// ProtoHandler processes a typed protobuf payload. A nil result replies
// with a JSON null.
type ProtoHandler[T proto.Message] func(ctx context.Context, call ProtoContext[T]) (proto.Message, error)

// Proto converts the typed handler into a Handler. Arguments are decoded
// with protojson and the result is encoded the same way, so the reply body
// stays plain JSON.
func Proto[T proto.Message](prototype T, handler ProtoHandler[T]) (Handler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, inv *Invocation) (any, error) {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return nil, err
		}

		src, err := inv.Source()
		if err != nil {
			return nil, &errspkg.DecodeError{Reason: "arguments", Err: err}
		}
		if err := protoUnmarshal.Unmarshal(src, typed); err != nil {
			return nil, &errspkg.DecodeError{Reason: fmt.Sprintf("%T arguments", prototype), Err: err}
		}

		out, err := handler(ctx, ProtoContext[T]{Invocation: inv, Payload: typed})
		if err != nil {
			return nil, err
		}
		if out == nil || isNilProto(out) {
			return nil, nil
		}
		encoded, err := protoMarshal.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode %T result: %w", out, err)
		}
		return jsoncodec.RawMessage(encoded), nil
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrConsumeMessageRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrConsumeMessageRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
