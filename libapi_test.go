package svcflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	channeltransport "github.com/drblury/svcflow/transport/channel"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestHandlerExportsPropagateErrors(t *testing.T) {
	if _, err := JSON[*addArgs, int](nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
	if _, err := Proto[*structpb.Struct](&structpb.Struct{}, nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestMustJSONPanicsOnNonPointer(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected MustJSON to panic for a non-pointer payload type")
		}
	}()
	MustJSON(func(context.Context, JSONContext[addArgs]) (int, error) { return 0, nil })
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyCorrelationID, "corr-1")
	if md[MetadataKeyCorrelationID] != "corr-1" {
		t.Fatalf("expected metadata to contain the correlation id, got %#v", md)
	}
}

func TestEndToEndThroughPublicAPI(t *testing.T) {
	broker := channeltransport.New(nil)
	cfg := &Config{Transport: channeltransport.TransportName, RPCTimeout: 2 * time.Second}

	c, err := NewContainer(cfg, WithBroker(broker), WithLogger(NewNopLogger()))
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	add := MustJSON(func(_ context.Context, call JSONContext[*addArgs]) (int, error) {
		return call.Payload.A + call.Payload.B, nil
	})
	if err := c.Register(NewService("math", WithCapacity(2)).RPC("add", add)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop(context.Background(), time.Second) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := Result[int](c.RPC().Call(ctx, "math", "add", nil, map[string]any{"a": 2, "b": 3}))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if sum != 5 {
		t.Fatalf("sum = %d, want 5", sum)
	}
}
