package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sum struct {
	Total int `json:"total"`
}

func TestJSONProcessesKwargs(t *testing.T) {
	var seen JSONContext[*addArgs]
	h, err := JSON(func(ctx context.Context, call JSONContext[*addArgs]) (sum, error) {
		seen = call
		return sum{Total: call.Payload.A + call.Payload.B}, nil
	})
	require.NoError(t, err)

	inv := &Invocation{
		MessageContextBase: MessageContextBase{Metadata: metadatapkg.Metadata{metadatapkg.KeyCorrelationID: "c-1"}},
		Service:            "math",
		Entrypoint:         "add",
		Kwargs:             map[string]jsoncodec.RawMessage{"a": raw("2"), "b": raw("3")},
	}
	out, err := h(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, sum{Total: 5}, out)
	assert.Equal(t, "c-1", seen.CorrelationID())
	assert.Equal(t, "add", seen.Entrypoint)
}

func TestJSONDecodesEventPayload(t *testing.T) {
	h, err := JSON(func(ctx context.Context, call JSONContext[*addArgs]) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	out, err := h(context.Background(), &Invocation{Payload: raw(`{"a":1}`)})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJSONDecodeError(t *testing.T) {
	called := false
	h, err := JSON(func(ctx context.Context, call JSONContext[*addArgs]) (sum, error) {
		called = true
		return sum{}, nil
	})
	require.NoError(t, err)

	_, err = h(context.Background(), &Invocation{Args: []jsoncodec.RawMessage{raw(`"nope"`)}})
	var decodeErr *errspkg.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.False(t, called)
}

func TestJSONHandlerError(t *testing.T) {
	boom := errors.New("boom")
	h, err := JSON(func(ctx context.Context, call JSONContext[*addArgs]) (sum, error) {
		return sum{}, boom
	})
	require.NoError(t, err)

	_, err = h(context.Background(), &Invocation{})
	assert.ErrorIs(t, err, boom)
}

func TestJSONValidatesInputs(t *testing.T) {
	_, err := JSON[*addArgs, sum](nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	_, err = JSON(func(ctx context.Context, call JSONContext[addArgs]) (sum, error) { return sum{}, nil })
	assert.ErrorIs(t, err, errspkg.ErrMessagePointerNeeded)

	_, err = JSON(func(ctx context.Context, call JSONContext[any]) (sum, error) { return sum{}, nil })
	assert.ErrorIs(t, err, errspkg.ErrConsumeMessageRequired)
}

func TestJSONPrototypeFactoryReturnsFreshValues(t *testing.T) {
	factory, err := jsonPrototypeFactory[*addArgs]()
	require.NoError(t, err)

	first := factory()
	first.A = 7
	assert.Zero(t, factory().A)
}
