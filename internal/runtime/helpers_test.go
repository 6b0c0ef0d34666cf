package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/svcflow/internal/runtime/config"
	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	"github.com/drblury/svcflow/internal/runtime/rpc"
	"github.com/drblury/svcflow/transport"
	channeltransport "github.com/drblury/svcflow/transport/channel"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		Transport:    channeltransport.TransportName,
		RPCTimeout:   2 * time.Second,
		MaxRetries:   2,
		DrainTimeout: 2 * time.Second,
	}
}

type harness struct {
	t         *testing.T
	broker    *channeltransport.Broker
	recorder  *loggingpkg.Recorder
	registry  *prometheus.Registry
	container *Container
}

// newHarness builds a container on a fresh in-memory broker. The container
// is stopped when the test ends.
func newHarness(t *testing.T, cfg *configpkg.Config, opts ...Option) *harness {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig()
	}
	h := &harness{
		t:        t,
		broker:   channeltransport.New(nil),
		recorder: loggingpkg.NewRecorder(),
		registry: prometheus.NewRegistry(),
	}
	base := []Option{
		WithBroker(h.broker),
		WithLogger(h.recorder),
		WithRegisterer(h.registry),
		WithRPCOwner("test-client"),
	}
	c, err := NewContainer(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	h.container = c
	return h
}

func (h *harness) register(svcs ...*Service) {
	h.t.Helper()
	for _, svc := range svcs {
		if err := h.container.Register(svc); err != nil {
			h.t.Fatalf("Register(%s): %v", svc.Name(), err)
		}
	}
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.container.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	h.t.Cleanup(func() {
		_ = h.container.Stop(context.Background(), time.Second)
	})
}

func (h *harness) call(service, method string, args ...any) (jsoncodec.RawMessage, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.container.RPC().Call(ctx, service, method, args, nil)
}

// collect subscribes to pattern on a private queue and returns a channel of
// acknowledged deliveries.
func (h *harness) collect(queue, pattern string) <-chan *transport.Delivery {
	h.t.Helper()
	sub, err := h.broker.Subscribe(context.Background(), queue, pattern, transport.SubscribeOptions{Prefetch: 16})
	if err != nil {
		h.t.Fatalf("Subscribe(%s): %v", queue, err)
	}
	out := make(chan *transport.Delivery, 64)
	go func() {
		for d := range sub.Messages() {
			_ = d.Ack()
			out <- d
		}
	}()
	h.t.Cleanup(func() { _ = sub.Close() })
	return out
}

func receive(t *testing.T, ch <-chan *transport.Delivery, within time.Duration) *transport.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(within):
		t.Fatalf("no delivery within %s", within)
		return nil
	}
}

func decodeEnvelope(t *testing.T, payload []byte) rpc.Envelope {
	t.Helper()
	env, err := rpc.DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope(%s): %v", payload, err)
	}
	return env
}

func eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", within, msg)
}

func sumHandler(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
	var a, b int
	if err := inv.Arg(0, &a); err != nil {
		return nil, err
	}
	if err := inv.Arg(1, &b); err != nil {
		return nil, err
	}
	return a + b, nil
}
