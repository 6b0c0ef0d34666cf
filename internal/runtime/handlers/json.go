package handlers

import (
	"context"
	"reflect"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
)

// JSONContext exposes the decoded arguments alongside the invocation.
type JSONContext[T any] struct {
	*Invocation
	Payload T
}

// JSONHandler processes a typed JSON payload and returns the reply result.
type JSONHandler[T any, O any] func(ctx context.Context, call JSONContext[T]) (O, error)

// JSON converts a typed handler into a Handler. T must be a pointer type;
// the invocation source is decoded into a fresh value for every call.
func JSON[T any, O any](handler JSONHandler[T, O]) (Handler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, inv *Invocation) (any, error) {
		typed := prototypeFactory()
		if err := inv.Bind(typed); err != nil {
			return nil, err
		}
		return handler(ctx, JSONContext[T]{Invocation: inv, Payload: typed})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
