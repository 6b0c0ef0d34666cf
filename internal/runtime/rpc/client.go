package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	idspkg "github.com/drblury/svcflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
	"github.com/drblury/svcflow/transport"
)

// DefaultTimeout applies when neither the client nor the call sets one.
const DefaultTimeout = 30 * time.Second

const replyPrefetch = 64

var (
	rpcServiceAttr = attribute.Key("rpc.service")
	rpcMethodAttr  = attribute.Key("rpc.method")
	rpcIDAttr      = attribute.Key("messaging.message.conversation_id")
	rpcStateAttr   = attribute.Key("svcflow.rpc.state")
)

// Client publishes RPC requests and matches replies arriving on its private
// reply queue with the calls waiting for them.
type Client struct {
	broker  transport.Broker
	owner   string
	timeout time.Duration
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
	tracer  trace.Tracer

	replyTopic string
	replyQueue string

	mu      sync.Mutex
	pending map[string]*PendingCall
	sub     transport.Subscription
	stopped chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithOwner names the service (or process) owning the reply queue.
func WithOwner(owner string) Option {
	return func(c *Client) {
		if owner != "" {
			c.owner = owner
		}
	}
}

// WithDefaultTimeout sets the deadline of calls that do not set their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors the client reports to.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewClient creates a client. Start must be called before the first call.
func NewClient(broker transport.Broker, opts ...Option) *Client {
	replyID := idspkg.NewUUID()
	c := &Client{
		broker:     broker,
		owner:      "client",
		timeout:    DefaultTimeout,
		logger:     loggingpkg.NewNopLogger(),
		metrics:    NewMetrics(nil),
		tracer:     otel.Tracer("github.com/drblury/svcflow/rpc"),
		replyTopic: ReplyTopic(replyID),
		pending:    make(map[string]*PendingCall),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.replyQueue = ReplyQueue(c.owner, replyID)
	c.logger = c.logger.With(loggingpkg.LogFields{"reply_queue": c.replyQueue})
	return c
}

// ReplyTopic is the reply-to address stamped on every request.
func (c *Client) ReplyTopic() string { return c.replyTopic }

// ReplyQueue is the private queue replies are consumed from.
func (c *Client) ReplyQueue() string { return c.replyQueue }

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start declares the reply queue and starts the reply listener.
func (c *Client) Start(ctx context.Context) error {
	if c.broker == nil {
		return errspkg.ErrBrokerRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}

	sub, err := c.broker.Subscribe(ctx, c.replyQueue, c.replyTopic, transport.SubscribeOptions{
		Prefetch:   replyPrefetch,
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return errspkg.NewTransportError("subscribe replies", err)
	}
	c.sub = sub
	c.stopped = make(chan struct{})
	go c.listen(sub, c.stopped)

	c.logger.Debug("RPC reply listener started", nil)
	return nil
}

// Stop closes the reply queue and fails every call still pending.
func (c *Client) Stop() error {
	c.mu.Lock()
	sub, stopped := c.sub, c.stopped
	c.sub = nil
	calls := make([]*PendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
		<-stopped
	}
	for _, call := range calls {
		call.settle(StateFailed, nil, errspkg.ErrClientStopped)
	}
	return err
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	headers metadatapkg.Metadata
}

// WithCallTimeout overrides the client timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHeaders adds headers to the request, typically the call stack of the
// worker making the call.
func WithHeaders(md metadatapkg.Metadata) CallOption {
	return func(o *callOptions) {
		o.headers = o.headers.WithAll(md)
	}
}

// CallAsync publishes a request and returns without waiting for the reply.
// The call times out on its own once its deadline passes.
func (c *Client) CallAsync(ctx context.Context, service, method string, args []any, kwargs map[string]any, opts ...CallOption) (*PendingCall, error) {
	if service == "" {
		return nil, errspkg.ErrServiceNameRequired
	}
	if !ValidName(service) || (method != "" && !ValidName(method)) {
		// no queue is bound to such a topic; the call could only time out
		return nil, fmt.Errorf("%w: %s.%s", errspkg.ErrInvalidName, service, method)
	}
	c.mu.Lock()
	started := c.sub != nil
	c.mu.Unlock()
	if !started {
		return nil, errspkg.ErrClientNotStarted
	}

	payload, err := EncodeRequest(method, args, kwargs)
	if err != nil {
		return nil, err
	}

	co := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&co)
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until > 0 && until < co.timeout {
			co.timeout = until
		}
	}

	id := idspkg.NewCorrelationID()
	headers := co.headers.Clone()
	delete(headers, metadatapkg.KeyCorrelationID)

	spanCtx, span := c.tracer.Start(ctx, "rpc "+service+"."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			rpcServiceAttr.String(service),
			rpcMethodAttr.String(method),
			rpcIDAttr.String(id),
		),
	)
	otel.GetTextMapPropagator().Inject(spanCtx, headers)

	call := newPendingCall(id, service, method, payload, co.timeout)
	call.span = span
	call.onSettle = c.finished

	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()
	c.metrics.pending.Inc()

	call.expireAfter(co.timeout)

	err = c.broker.Publish(spanCtx, transport.Message{
		ID:            idspkg.NewULID(),
		Topic:         RequestTopic(service, method),
		Payload:       payload,
		Headers:       headers,
		CorrelationID: id,
		ReplyTo:       c.replyTopic,
	})
	if err != nil {
		err = errspkg.NewTransportError("publish rpc request", err)
		call.settle(StateFailed, nil, err)
		return nil, err
	}

	c.logger.Trace("RPC request published", loggingpkg.LogFields{
		"correlation_id": id,
		"service":        service,
		"method":         method,
	})
	return call, nil
}

// Call publishes a request and waits for its reply. Remote failures are
// returned as *errors.RemoteError; a missed deadline as *errors.TimeoutError.
func (c *Client) Call(ctx context.Context, service, method string, args []any, kwargs map[string]any, opts ...CallOption) (jsoncodec.RawMessage, error) {
	call, err := c.CallAsync(ctx, service, method, args, kwargs, opts...)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// finished runs once per call when it leaves StatePending.
func (c *Client) finished(call *PendingCall) {
	c.mu.Lock()
	if c.pending[call.CorrelationID] == call {
		delete(c.pending, call.CorrelationID)
		c.metrics.pending.Dec()
	}
	c.mu.Unlock()

	outcome := OutcomeOK
	switch call.State() {
	case StateTimedOut:
		outcome = OutcomeTimeout
	case StateFailed:
		outcome = OutcomeFailed
		var remote *errspkg.RemoteError
		if errors.As(call.err, &remote) {
			outcome = OutcomeError
		}
	}
	c.metrics.calls.WithLabelValues(call.Service, call.Method, outcome).Inc()
	c.metrics.duration.WithLabelValues(call.Service, call.Method).Observe(time.Since(call.CreatedAt).Seconds())

	if outcome == OutcomeTimeout {
		c.logger.Info("RPC call timed out", loggingpkg.LogFields{
			"correlation_id": call.CorrelationID,
			"service":        call.Service,
			"method":         call.Method,
		})
	}
}

func (c *Client) listen(sub transport.Subscription, stopped chan struct{}) {
	defer close(stopped)
	for d := range sub.Messages() {
		c.handleReply(d)
	}
}

func (c *Client) handleReply(d *transport.Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			c.logger.Error("Failed to ack RPC reply", err, loggingpkg.LogFields{"correlation_id": d.CorrelationID})
		}
	}()

	c.mu.Lock()
	call := c.pending[d.CorrelationID]
	c.mu.Unlock()

	if call == nil {
		c.discard(d, "no pending call")
		return
	}

	// an error envelope or an unreadable reply fails the call
	env, err := DecodeEnvelope(d.Payload)
	var settled bool
	switch {
	case err != nil:
		settled = call.settle(StateFailed, nil, err)
	case env.Err() != nil:
		settled = call.settle(StateFailed, nil, env.Err())
	default:
		settled = call.settle(StateFulfilled, env.Result, nil)
	}
	if !settled {
		c.discard(d, "call already settled")
	}
}

func (c *Client) discard(d *transport.Delivery, reason string) {
	c.metrics.unmatched.Inc()
	c.logger.Debug("Discarding unmatched RPC reply", loggingpkg.LogFields{
		"correlation_id": d.CorrelationID,
		"reason":         reason,
	})
}

// Result decodes the result of a call into T.
func Result[T any](raw jsoncodec.RawMessage, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return out, &errspkg.DecodeError{Reason: "rpc result", Err: err}
	}
	return out, nil
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	var te *errspkg.TimeoutError
	return errors.As(err, &te)
}
