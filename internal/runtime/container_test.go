package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/go-cmp/cmp"

	configpkg "github.com/drblury/svcflow/internal/runtime/config"
	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
	"github.com/drblury/svcflow/internal/runtime/rpc"
	transportpkg "github.com/drblury/svcflow/internal/runtime/transport"
	"github.com/drblury/svcflow/transport"
)

func TestNewContainerRequiresConfig(t *testing.T) {
	if _, err := NewContainer(nil); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
}

func TestNewContainerRejectsInvalidConfig(t *testing.T) {
	_, err := NewContainer(&configpkg.Config{Transport: "channel", DefaultCapacity: -1})
	var cve errspkg.ConfigValidationError
	if !errors.As(err, &cve) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}
}

func TestNewContainerAppliesDefaults(t *testing.T) {
	h := newHarness(t, &configpkg.Config{Transport: "channel"})
	cfg := h.container.Config()
	if cfg.RPCTimeout != configpkg.DefaultRPCTimeout {
		t.Fatalf("expected default rpc timeout, got %s", cfg.RPCTimeout)
	}
	if cfg.MaxRetries != configpkg.DefaultMaxRetries {
		t.Fatalf("expected default retries, got %d", cfg.MaxRetries)
	}
	if cfg.DeadLetterTopic != configpkg.DefaultDeadLetterTopic {
		t.Fatalf("expected default dead letter topic, got %q", cfg.DeadLetterTopic)
	}
}

func TestRegisterRejectsDuplicatesAndLateServices(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("add", sumHandler))

	err := h.container.Register(NewService("math").RPC("sub", sumHandler))
	if !errors.Is(err, errspkg.ErrDuplicateService) {
		t.Fatalf("expected ErrDuplicateService, got %v", err)
	}
	if err := h.container.Register(nil); !errors.Is(err, errspkg.ErrServiceRequired) {
		t.Fatalf("expected ErrServiceRequired, got %v", err)
	}

	h.start()
	err = h.container.Register(NewService("late").RPC("noop", sumHandler))
	if !errors.Is(err, errspkg.ErrContainerStarted) {
		t.Fatalf("expected ErrContainerStarted, got %v", err)
	}
}

func TestRegisterReportsDeclarationErrors(t *testing.T) {
	h := newHarness(t, nil)
	svc := NewService("broken").RPC("", sumHandler).Timer("tick", 0, sumHandler)

	err := h.container.Register(svc)
	if !errors.Is(err, errspkg.ErrMethodNameRequired) {
		t.Fatalf("expected ErrMethodNameRequired in %v", err)
	}
	if !errors.Is(err, errspkg.ErrIntervalRequired) {
		t.Fatalf("expected ErrIntervalRequired in %v", err)
	}
}

func TestStartFailsWhenBrokerCannotBeBuilt(t *testing.T) {
	c, err := NewContainer(newTestConfig(),
		WithRegisterer(nil),
		WithTransportFactory(transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Broker, error) {
			return nil, errors.New("no route to broker")
		})),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if err := c.Register(NewService("math").RPC("add", sumHandler)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "no route to broker") {
		t.Fatalf("expected build error, got %v", err)
	}
}

func TestStartFailsWhenBrokerIsUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("add", sumHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.container.Start(ctx)
	var te *errspkg.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if err := h.container.Stop(context.Background(), 0); !errors.Is(err, errspkg.ErrContainerNotStarted) {
		t.Fatalf("expected ErrContainerNotStarted, got %v", err)
	}
}

func TestStartFailsWhenProviderSetupFails(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").
		RPC("add", sumHandler).
		Dependency("db", &recordingProvider{setupErr: errors.New("database unavailable")}))

	err := h.container.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "database unavailable") {
		t.Fatalf("expected provider setup error, got %v", err)
	}
	if got := h.container.RPC(); got != nil && got.Pending() != 0 {
		t.Fatalf("expected no pending calls after failed start")
	}
}

func TestRPCCapacityOneSerialisesCalls(t *testing.T) {
	var active, peak atomic.Int32
	add := func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return sumHandler(ctx, inv)
	}

	h := newHarness(t, nil)
	h.register(NewService("math", WithCapacity(1)).RPC("add", add))
	h.start()

	client := h.container.RPC()
	ctx := context.Background()
	first, err := client.CallAsync(ctx, "math", "add", []any{2, 3}, nil)
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}
	second, err := client.CallAsync(ctx, "math", "add", []any{4, 4}, nil)
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}

	got1, err := rpc.Result[int](first.Wait(ctx))
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	got2, err := rpc.Result[int](second.Wait(ctx))
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got1 != 5 || got2 != 8 {
		t.Fatalf("expected 5 and 8, got %d and %d", got1, got2)
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("expected calls to never overlap, peak concurrency %d", p)
	}

	stats := h.container.Stats()
	if len(stats) != 1 || stats[0].Peak != 1 || stats[0].Capacity != 1 {
		t.Fatalf("unexpected pool stats: %+v", stats)
	}
}

func TestPoolNeverExceedsCapacity(t *testing.T) {
	var active, peak atomic.Int32
	slow := func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}

	h := newHarness(t, nil)
	h.register(NewService("batch", WithCapacity(3)).RPC("work", slow))
	h.start()

	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.call("batch", "work"); err != nil {
				t.Errorf("call: %v", err)
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 3 {
		t.Fatalf("pool exceeded capacity: %d concurrent workers", p)
	}
	if p := h.container.Stats()[0].Peak; p > 3 {
		t.Fatalf("pool peak %d exceeds capacity", p)
	}
}

func TestRPCTimeoutDiscardsLateReply(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	slow := func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
		defer close(done)
		<-release
		return "late", nil
	}

	h := newHarness(t, nil)
	h.register(NewService("slow").RPC("wait", slow))
	h.start()

	client := h.container.RPC()
	started := time.Now()
	_, err := client.Call(context.Background(), "slow", "wait", nil, nil, rpc.WithCallTimeout(100*time.Millisecond))
	if !rpc.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if client.Pending() != 0 {
		t.Fatalf("expected the timed out call to be removed, %d pending", client.Pending())
	}

	close(release)
	<-done
	eventually(t, 2*time.Second, func() bool {
		return len(h.recorder.Find("Discarding unmatched RPC reply")) == 1
	}, "late reply discarded")
}

func TestRPCMalformedRequestRepliesDecodeError(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("add", sumHandler))
	h.start()
	replies := h.collect("test-replies", "test.replies")

	err := h.broker.Publish(context.Background(), transport.Message{
		ID:            "req-1",
		Topic:         rpc.RequestTopic("math", "add"),
		Payload:       []byte(`{"args":[1,2]}`),
		CorrelationID: "corr-1",
		ReplyTo:       "test.replies",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reply := receive(t, replies, 2*time.Second)
	if reply.CorrelationID != "corr-1" {
		t.Fatalf("reply lost its correlation id: %q", reply.CorrelationID)
	}
	env := decodeEnvelope(t, reply.Payload)
	if env.Ok || env.Error == nil || env.Error.Kind != errspkg.KindDecode {
		t.Fatalf("expected DecodeError envelope, got %+v", env)
	}

	eventually(t, time.Second, func() bool {
		ready, unacked := h.broker.QueueDepth(rpc.RequestQueue("math"))
		return ready == 0 && unacked == 0
	}, "malformed request acknowledged")
}

func TestRPCUnknownMethodRepliesRoutingError(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("add", sumHandler))
	h.start()

	_, err := h.call("math", "divide", 1, 0)
	var remote *errspkg.RemoteError
	if !errors.As(err, &remote) || remote.Kind != errspkg.KindRouting {
		t.Fatalf("expected remote RoutingError, got %v", err)
	}
}

func TestRPCErrorKinds(t *testing.T) {
	errNotFound := errors.New("user not found")
	h := newHarness(t, nil)
	h.register(NewService("users").
		RPC("get", func(context.Context, *handlerspkg.Invocation) (any, error) {
			return nil, fmt.Errorf("%w: id 7", errNotFound)
		}, WithExpectedErrors(errNotFound)).
		RPC("validate", func(context.Context, *handlerspkg.Invocation) (any, error) {
			return nil, errspkg.NewApplicationError("ValidationError", "email is invalid")
		}).
		RPC("explode", func(context.Context, *handlerspkg.Invocation) (any, error) {
			panic("boom")
		}).
		RPC("ping", func(context.Context, *handlerspkg.Invocation) (any, error) {
			return "pong", nil
		}))
	h.start()

	tests := []struct {
		method      string
		wantKind    string
		wantMessage string
	}{
		{method: "get", wantKind: errspkg.KindApplication, wantMessage: "user not found: id 7"},
		{method: "validate", wantKind: "ValidationError", wantMessage: "email is invalid"},
		{method: "explode", wantKind: errspkg.KindPanic},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := h.call("users", tt.method)
			var remote *errspkg.RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("expected RemoteError, got %v", err)
			}
			if remote.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", remote.Kind, tt.wantKind)
			}
			if tt.wantMessage != "" && remote.Message != tt.wantMessage {
				t.Fatalf("message = %q, want %q", remote.Message, tt.wantMessage)
			}
		})
	}

	got, err := rpc.Result[string](h.call("users", "ping"))
	if err != nil || got != "pong" {
		t.Fatalf("service unusable after panic: %q, %v", got, err)
	}

	expected := h.recorder.Find("Entrypoint returned expected error")
	if len(expected) != 1 || expected[0].Level != "info" {
		t.Fatalf("expected one info record for the expected error, got %+v", expected)
	}
	for _, e := range h.recorder.Find("Entrypoint failed") {
		if e.Fields["entrypoint"] == "users.get" {
			t.Fatalf("expected error logged at error level: %+v", e)
		}
	}
}

func TestRPCErrSkipRepliesNull(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("noop", func(context.Context, *handlerspkg.Invocation) (any, error) {
		return nil, errspkg.ErrSkip
	}))
	h.start()

	raw, err := h.call("math", "noop")
	if err != nil {
		t.Fatalf("skip should not fail the call: %v", err)
	}
	if string(raw) != "null" {
		t.Fatalf("expected null result, got %s", raw)
	}
}

func TestRPCDeadLetterReply(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("orders").RPC("place", func(context.Context, *handlerspkg.Invocation) (any, error) {
		return nil, fmt.Errorf("poison order: %w", errspkg.ErrDeadLetter)
	}))
	h.start()
	dlq := h.collect("test-dlq", h.container.Config().DeadLetterTopic)

	_, err := h.call("orders", "place")
	var remote *errspkg.RemoteError
	if !errors.As(err, &remote) || remote.Kind != errspkg.KindDeadLettered {
		t.Fatalf("expected DeadLettered reply, got %v", err)
	}

	d := receive(t, dlq, 2*time.Second)
	if got := d.Header(metadatapkg.KeyOriginalTopic); got != "rpc.orders.place" {
		t.Fatalf("original topic header = %q", got)
	}
	if got := d.Header(metadatapkg.KeyAttempts); got != "1" {
		t.Fatalf("attempts header = %q", got)
	}
}

func TestEventRetriedThenDeadLettered(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nil)
	h.register(NewService("billing").Event("charge", "orders", "placed", func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
		calls.Add(1)
		return nil, errspkg.Infrastructure(errors.New("payment gateway down"))
	}))
	h.start()
	dlq := h.collect("test-dlq", h.container.Config().DeadLetterTopic)

	if err := h.container.Dispatcher("orders").Dispatch(context.Background(), "placed", map[string]int{"id": 1}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	d := receive(t, dlq, 3*time.Second)
	maxRetries := h.container.Config().MaxRetries
	if got := int(calls.Load()); got != maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetries+1, got)
	}
	if got := d.Header(metadatapkg.KeyAttempts); got != fmt.Sprint(maxRetries+1) {
		t.Fatalf("attempts header = %q", got)
	}
	if got := d.Header(metadatapkg.KeyOriginalTopic); got != EventTopic("orders", "placed") {
		t.Fatalf("original topic header = %q", got)
	}
	if !strings.Contains(d.Header(metadatapkg.KeyError), "payment gateway down") {
		t.Fatalf("error header = %q", d.Header(metadatapkg.KeyError))
	}

	stats := h.container.Stats()[0].Entrypoints[0].Stats
	eventually(t, time.Second, func() bool {
		stats.mu.Lock()
		defer stats.mu.Unlock()
		return h.container.DeadLetters().TotalMessages == 1 && stats.Errors.DeadLettered == 1
	}, "dead letter recorded")
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.Requeued != uint64(maxRetries) {
		t.Fatalf("requeued=%d, want %d", stats.Requeued, maxRetries)
	}
}

func TestEventRoundTrip(t *testing.T) {
	type created struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	received := make(chan created, 1)
	var headers metadatapkg.Metadata

	h := newHarness(t, nil)
	h.register(
		NewService("users").RPC("noop", sumHandler),
		NewService("mailer").Event("on_created", "users", "created", func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
			var evt created
			if err := inv.Bind(&evt); err != nil {
				return nil, err
			}
			headers = inv.Metadata
			received <- evt
			return nil, nil
		}),
	)
	h.start()

	dispatcher := h.container.Dispatcher("users")
	if err := dispatcher.Dispatch(context.Background(), "created", created{ID: 7, Name: "ada"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case got := <-received:
		if diff := cmp.Diff(created{ID: 7, Name: "ada"}, got); diff != "" {
			t.Fatalf("event mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	if headers[metadatapkg.KeySource] != "users" || headers[metadatapkg.KeyEventType] != "created" {
		t.Fatalf("missing event headers: %v", headers)
	}
	if headers[metadatapkg.KeyCorrelationID] == "" {
		t.Fatal("event carries no correlation id")
	}

	want := "evt-users-created--mailer.on_created"
	found := false
	for _, q := range h.broker.Queues() {
		if q == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("queue %q not declared, have %v", want, h.broker.Queues())
	}
}

func TestEventHandlerTypes(t *testing.T) {
	var pool, single, broadcast atomic.Int32
	count := func(n *atomic.Int32) handlerspkg.Handler {
		return func(context.Context, *handlerspkg.Invocation) (any, error) {
			n.Add(1)
			return nil, nil
		}
	}

	h := newHarness(t, nil)
	h.register(
		NewService("a").
			Event("pool", "src", "ping", count(&pool)).
			Event("single", "src", "ping", count(&single), WithHandlerType(Singleton)).
			Event("bcast", "src", "ping", count(&broadcast), WithHandlerType(Broadcast)),
		NewService("b").
			Event("single", "src", "ping", count(&single), WithHandlerType(Singleton)),
	)
	h.start()

	if err := h.container.Dispatcher("src").Dispatch(context.Background(), "ping", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return pool.Load() == 1 && single.Load() == 1 && broadcast.Load() == 1
	}, "every handler type delivered once")

	time.Sleep(50 * time.Millisecond)
	if single.Load() != 1 {
		t.Fatalf("singleton handled %d times", single.Load())
	}
}

func TestEventTypeMismatchIsAcked(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nil)
	h.register(NewService("audit").Event("on_login", "auth", "login", func(context.Context, *handlerspkg.Invocation) (any, error) {
		calls.Add(1)
		return nil, nil
	}))
	h.start()

	body, _ := jsoncodec.Marshal(EventBody{EventType: "logout", Payload: jsoncodec.RawMessage(`{}`)})
	if err := h.broker.Publish(context.Background(), transport.Message{Topic: EventTopic("auth", "login"), Payload: body}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, time.Second, func() bool {
		return len(h.recorder.Find("Refusing message")) == 1
	}, "mismatched event refused")
	if calls.Load() != 0 {
		t.Fatal("handler ran for a mismatched event")
	}
}

func TestBrokerReconnectResumesConsumption(t *testing.T) {
	type seen struct {
		ID          string
		Redelivered bool
	}
	var (
		mu      sync.Mutex
		history []seen
	)
	started := make(chan struct{})
	gate := make(chan struct{})
	var blockOnce sync.Once

	h := newHarness(t, nil)
	h.register(NewService("indexer", WithCapacity(1)).Event("index", "docs", "saved", func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
		var doc struct{ ID string }
		if err := inv.Bind(&doc); err != nil {
			return nil, err
		}
		d, _ := DeliveryFromContext(ctx)
		mu.Lock()
		history = append(history, seen{ID: doc.ID, Redelivered: d.Redelivered})
		mu.Unlock()
		blockOnce.Do(func() {
			close(started)
			<-gate
		})
		return nil, nil
	}))
	h.start()
	dispatcher := h.container.Dispatcher("docs")

	if err := dispatcher.Dispatch(context.Background(), "saved", map[string]string{"ID": "doc-1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-started

	h.broker.SimulateDisconnect()
	close(gate)

	err := dispatcher.Dispatch(context.Background(), "saved", map[string]string{"ID": "lost"})
	var te *errspkg.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError while disconnected, got %v", err)
	}

	h.broker.Reconnect()
	if err := dispatcher.Dispatch(context.Background(), "saved", map[string]string{"ID": "doc-2"}); err != nil {
		t.Fatalf("Dispatch after reconnect: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(history) == 3
	}, "unacked message redelivered and new message consumed")

	mu.Lock()
	defer mu.Unlock()
	want := []seen{{ID: "doc-1"}, {ID: "doc-1", Redelivered: true}, {ID: "doc-2"}}
	if diff := cmp.Diff(want, history); diff != "" {
		t.Fatalf("delivery history mismatch (-want +got):\n%s", diff)
	}
}

func TestStopDrainsRunningWorkers(t *testing.T) {
	finished := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, nil)
	h.register(NewService("reports").Event("render", "ui", "requested", func(context.Context, *handlerspkg.Invocation) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		close(finished)
		return nil, nil
	}))
	if err := h.container.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.container.Dispatcher("ui").Dispatch(context.Background(), "requested", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-started
	if err := h.container.Stop(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the running worker finished")
	}
	ready, unacked := h.broker.QueueDepth("evt-ui-requested--reports.render")
	if ready != 0 || unacked != 0 {
		t.Fatalf("expected the drained message to be acked, ready=%d unacked=%d", ready, unacked)
	}
	if !h.broker.Connected() {
		t.Fatal("a broker supplied with WithBroker must stay connected")
	}
}

func TestStopRequeuesAfterDrainTimeout(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	h := newHarness(t, nil)
	h.register(NewService("reports").Event("render", "ui", "requested", func(ctx context.Context, _ *handlerspkg.Invocation) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}))
	if err := h.container.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.container.Dispatcher("ui").Dispatch(context.Background(), "requested", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-started
	if err := h.container.Stop(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled after the drain timeout")
	}
	eventually(t, time.Second, func() bool {
		ready, _ := h.broker.QueueDepth("evt-ui-requested--reports.render")
		return ready == 1
	}, "unfinished message requeued")
	if len(h.recorder.Find("Drain timed out, requeued unfinished deliveries")) != 1 {
		t.Fatal("drain timeout not logged")
	}
}

func TestStopTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("add", sumHandler))
	if err := h.container.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.container.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.container.Stop(context.Background(), time.Second); !errors.Is(err, errspkg.ErrContainerNotStarted) {
		t.Fatalf("expected ErrContainerNotStarted, got %v", err)
	}
	if err := h.container.Start(context.Background()); !errors.Is(err, errspkg.ErrContainerStarted) {
		t.Fatalf("a stopped container must not restart, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("add", sumHandler))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.container.Run(ctx) }()

	eventually(t, time.Second, func() bool { return h.container.RPC() != nil }, "container started")
	got, err := rpc.Result[int](h.call("math", "add", 1, 2))
	if err != nil || got != 3 {
		t.Fatalf("add = %d, %v", got, err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubmitRunsLocalDeliveries(t *testing.T) {
	received := make(chan string, 1)
	h := newHarness(t, nil)
	h.register(NewService("mailer").Event("on_signup", "web", "signup", func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
		var email string
		if err := inv.Bind(&email); err != nil {
			return nil, err
		}
		received <- email
		return nil, nil
	}))

	d := transport.NewLocalDelivery(transport.Message{Payload: []byte(`{"event_type":"signup","payload":"ada@example.com"}`)})
	if err := h.container.Submit(context.Background(), "mailer", "on_signup", d); !errors.Is(err, errspkg.ErrContainerNotStarted) {
		t.Fatalf("expected ErrContainerNotStarted, got %v", err)
	}

	h.start()
	if err := h.container.Submit(context.Background(), "nobody", "on_signup", d); !errors.Is(err, errspkg.ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	if err := h.container.Submit(context.Background(), "mailer", "missing", d); !errors.Is(err, errspkg.ErrUnknownEntrypoint) {
		t.Fatalf("expected ErrUnknownEntrypoint, got %v", err)
	}
	if err := h.container.Submit(context.Background(), "mailer", "on_signup", d); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case got := <-received:
		if got != "ada@example.com" {
			t.Fatalf("unexpected payload %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submitted delivery not handled")
	}
}

func TestDependenciesPropagateCallStack(t *testing.T) {
	h := newHarness(t, nil)
	h.register(
		NewService("gateway").
			Dependency("accounts", RPCProxy("accounts")).
			RPC("lookup", func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
				proxy, err := handlerspkg.DependencyAs[*rpc.Proxy](inv, "accounts")
				if err != nil {
					return nil, err
				}
				stack, err := rpc.Result[[]string](proxy.Call(ctx, "stack"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"caller": inv.CallID, "stack": stack}, nil
			}),
		NewService("accounts").RPC("stack", func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
			return inv.Metadata.CallStack(), nil
		}),
	)
	h.start()

	type lookup struct {
		Caller string   `json:"caller"`
		Stack  []string `json:"stack"`
	}
	got, err := rpc.Result[lookup](h.call("gateway", "lookup"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !strings.HasPrefix(got.Caller, "gateway.lookup.") {
		t.Fatalf("unexpected call id %q", got.Caller)
	}
	if diff := cmp.Diff([]string{got.Caller}, got.Stack); diff != "" {
		t.Fatalf("call stack mismatch (-want +got):\n%s", diff)
	}
}

func TestCorrelationIDFlowsToHandlers(t *testing.T) {
	seen := make(chan string, 1)
	h := newHarness(t, nil)
	h.register(NewService("math").RPC("echo", func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
		seen <- inv.CorrelationID()
		return nil, nil
	}))
	h.start()

	call, err := h.container.RPC().CallAsync(context.Background(), "math", "echo", nil, nil)
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}
	if _, err := call.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := <-seen; got != call.CorrelationID {
		t.Fatalf("handler saw correlation id %q, caller used %q", got, call.CorrelationID)
	}
}

func TestStatsReportEntrypoints(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("math", WithCapacity(2)).
		RPC("add", sumHandler).
		Event("on_reset", "admin", "reset", func(context.Context, *handlerspkg.Invocation) (any, error) { return nil, nil }).
		Timer("tick", time.Hour, func(context.Context, *handlerspkg.Invocation) (any, error) { return nil, nil }))
	h.start()

	for i := range 3 {
		if _, err := h.call("math", "add", i, i); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	if _, err := h.call("math", "add", "x"); err == nil {
		t.Fatal("expected decode failure")
	}

	stats := h.container.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected one service, got %d", len(stats))
	}
	svc := stats[0]
	got := make([]string, 0, len(svc.Entrypoints))
	for _, ep := range svc.Entrypoints {
		got = append(got, ep.Kind+" "+ep.Name+" "+ep.Binding)
	}
	want := []string{"rpc add rpc.math.add", "event on_reset evt.admin.reset", "timer tick every 1h0m0s"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entrypoints mismatch (-want +got):\n%s", diff)
	}

	add := svc.Entrypoints[0].Stats
	eventually(t, time.Second, func() bool {
		add.mu.Lock()
		defer add.mu.Unlock()
		return add.Invocations == 4
	}, "every call counted")
	add.mu.Lock()
	defer add.mu.Unlock()
	if add.Failures != 1 || add.Errors.Decode != 1 {
		t.Fatalf("unexpected counters: failures=%d decode=%d", add.Failures, add.Errors.Decode)
	}
}

func TestProviderPanicRepliesAndKeepsConsuming(t *testing.T) {
	var acquires atomic.Int32
	h := newHarness(t, nil)
	h.register(NewService("svc", WithCapacity(1)).
		Dependency("flaky", ProviderFunc(func(context.Context, WorkerInfo) (any, error) {
			if acquires.Add(1) == 1 {
				panic("connection pool exploded")
			}
			return "conn", nil
		})).
		RPC("ping", func(context.Context, *handlerspkg.Invocation) (any, error) {
			return "pong", nil
		}))
	h.start()

	_, err := h.call("svc", "ping")
	var remote *errspkg.RemoteError
	if !errors.As(err, &remote) || remote.Kind != errspkg.KindPanic {
		t.Fatalf("expected remote Panic error, got %v", err)
	}

	got, err := rpc.Result[string](h.call("svc", "ping"))
	if err != nil || got != "pong" {
		t.Fatalf("service stalled after provider panic: %q, %v", got, err)
	}
	eventually(t, time.Second, func() bool {
		ready, unacked := h.broker.QueueDepth(rpc.RequestQueue("svc"))
		return ready == 0 && unacked == 0
	}, "request queue drained")
}

type panicOnRelease struct{ BaseProvider }

func (panicOnRelease) Acquire(context.Context, WorkerInfo) (any, error) { return "conn", nil }
func (panicOnRelease) Release(WorkerInfo, any, error)                  { panic("release failed") }

func TestEscapedPanicSettlesDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.register(NewService("svc", WithCapacity(1)).
		Dependency("conn", panicOnRelease{}).
		RPC("ping", func(context.Context, *handlerspkg.Invocation) (any, error) {
			return "pong", nil
		}))
	h.start()

	for i := 0; i < 2; i++ {
		_, err := h.call("svc", "ping")
		var remote *errspkg.RemoteError
		if !errors.As(err, &remote) || remote.Kind != errspkg.KindPanic {
			t.Fatalf("call %d: expected remote Panic error, got %v", i, err)
		}
	}
	eventually(t, time.Second, func() bool {
		ready, unacked := h.broker.QueueDepth(rpc.RequestQueue("svc"))
		return ready == 0 && unacked == 0
	}, "crashed deliveries discarded")
}

func TestRPCTopicMethodMismatchRepliesRoutingError(t *testing.T) {
	var multiplied atomic.Bool
	h := newHarness(t, nil)
	h.register(NewService("math").
		RPC("add", sumHandler).
		RPC("mul", func(context.Context, *handlerspkg.Invocation) (any, error) {
			multiplied.Store(true)
			return 0, nil
		}))
	h.start()
	replies := h.collect("test-replies", "test.replies")

	err := h.broker.Publish(context.Background(), transport.Message{
		Topic:         rpc.RequestTopic("math", "add"),
		Payload:       []byte(`{"method":"mul","args":[2,3],"kwargs":{}}`),
		CorrelationID: "corr-mismatch",
		ReplyTo:       "test.replies",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	env := decodeEnvelope(t, receive(t, replies, 2*time.Second).Payload)
	if env.Ok || env.Error == nil || env.Error.Kind != errspkg.KindRouting {
		t.Fatalf("expected RoutingError envelope, got %+v", env)
	}
	if multiplied.Load() {
		t.Fatal("handler ran for a mismatched request")
	}
}

func TestSubmitDuringStopIsRefused(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	h := newHarness(t, nil)
	h.register(NewService("jobs", WithCapacity(1)).Event("run", "web", "job", func(context.Context, *handlerspkg.Invocation) (any, error) {
		handled.Add(1)
		<-release
		return nil, nil
	}))
	h.start()

	job := func() *transport.Delivery {
		return transport.NewLocalDelivery(transport.Message{Payload: []byte(`{"event_type":"job","payload":null}`)})
	}
	if err := h.container.Submit(context.Background(), "jobs", "run", job()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eventually(t, time.Second, func() bool { return handled.Load() == 1 }, "first job running")

	// the second job waits for the only slot while the container stops
	second := make(chan error, 1)
	go func() { second <- h.container.Submit(context.Background(), "jobs", "run", job()) }()

	stopped := make(chan error, 1)
	go func() { stopped <- h.container.Stop(context.Background(), 2*time.Second) }()
	eventually(t, time.Second, func() bool {
		h.container.mu.Lock()
		defer h.container.mu.Unlock()
		return h.container.state == stateStopping
	}, "container stopping")
	close(release)

	select {
	case err := <-second:
		if !errors.Is(err, errspkg.ErrContainerNotStarted) {
			t.Fatalf("expected ErrContainerNotStarted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit still blocked after stop")
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := handled.Load(); n != 1 {
		t.Fatalf("handled %d jobs, want 1", n)
	}
}
