package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
)

func TestProtoProcessesPayload(t *testing.T) {
	h, err := Proto(&structpb.Struct{}, func(ctx context.Context, call ProtoContext[*structpb.Struct]) (proto.Message, error) {
		name := call.Payload.GetFields()["name"].GetStringValue()
		return structpb.NewStruct(map[string]any{"greeting": "hello " + name})
	})
	require.NoError(t, err)

	out, err := h(context.Background(), &Invocation{Kwargs: map[string]jsoncodec.RawMessage{"name": raw(`"ada"`)}})
	require.NoError(t, err)
	encoded, ok := out.(jsoncodec.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"greeting":"hello ada"}`, string(encoded))
}

func TestProtoNilResult(t *testing.T) {
	h, err := Proto(&structpb.Struct{}, func(ctx context.Context, call ProtoContext[*structpb.Struct]) (proto.Message, error) {
		return nil, nil
	})
	require.NoError(t, err)

	out, err := h(context.Background(), &Invocation{Payload: raw(`{}`)})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestProtoDecodeError(t *testing.T) {
	h, err := Proto(&structpb.Struct{}, func(ctx context.Context, call ProtoContext[*structpb.Struct]) (proto.Message, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	require.NoError(t, err)

	_, err = h(context.Background(), &Invocation{Args: []jsoncodec.RawMessage{raw(`[1,2]`)}})
	var decodeErr *errspkg.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestProtoHandlerError(t *testing.T) {
	boom := errors.New("boom")
	h, err := Proto(&structpb.Struct{}, func(ctx context.Context, call ProtoContext[*structpb.Struct]) (proto.Message, error) {
		return nil, boom
	})
	require.NoError(t, err)

	_, err = h(context.Background(), &Invocation{})
	assert.ErrorIs(t, err, boom)
}

func TestProtoValidations(t *testing.T) {
	_, err := Proto[*structpb.Struct](&structpb.Struct{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	var nilStruct *structpb.Struct
	h, err := Proto(nilStruct, func(ctx context.Context, call ProtoContext[*structpb.Struct]) (proto.Message, error) {
		return call.Payload, nil
	})
	require.NoError(t, err, "typed nil prototypes are replaced by a fresh instance")
	_, err = h(context.Background(), &Invocation{Payload: raw(`{"a":1}`)})
	require.NoError(t, err)
}

func TestProtoClonesPrototypePerCall(t *testing.T) {
	prototype, err := structpb.NewStruct(map[string]any{"stale": true})
	require.NoError(t, err)

	h, err := Proto(prototype, func(ctx context.Context, call ProtoContext[*structpb.Struct]) (proto.Message, error) {
		_, stale := call.Payload.GetFields()["stale"]
		assert.False(t, stale)
		return nil, nil
	})
	require.NoError(t, err)
	_, err = h(context.Background(), &Invocation{Payload: raw(`{"fresh":1}`)})
	require.NoError(t, err)
}

func TestClonePrototypeNil(t *testing.T) {
	var nilStruct *structpb.Struct
	_, err := clonePrototype(nilStruct)
	assert.ErrorIs(t, err, errspkg.ErrConsumeMessageRequired)
}

func TestEnsureProtoPrototype(t *testing.T) {
	existing := &structpb.Struct{}
	got, err := EnsureProtoPrototype(existing)
	require.NoError(t, err)
	assert.Same(t, existing, got)

	var nilStruct *structpb.Struct
	got, err = EnsureProtoPrototype(nilStruct)
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = EnsureProtoPrototype[proto.Message](nil)
	assert.ErrorIs(t, err, errspkg.ErrConsumeMessageRequired)
}

func TestIsNilProto(t *testing.T) {
	var nilStruct *structpb.Struct
	assert.True(t, isNilProto(nil))
	assert.True(t, isNilProto(nilStruct))
	assert.False(t, isNilProto(&structpb.Struct{}))
}
