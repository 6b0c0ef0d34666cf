package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	configpkg "github.com/drblury/svcflow/internal/runtime/config"
	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	idspkg "github.com/drblury/svcflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
	"github.com/drblury/svcflow/internal/runtime/rpc"
	"github.com/drblury/svcflow/transport"
)

type invocationKey struct{}

// invocationState travels in the handler context so middlewares can see
// which entrypoint and delivery they run for.
type invocationState struct {
	entrypoint *Entrypoint
	delivery   *transport.Delivery
	attempts   int
}

func withInvocationState(ctx context.Context, st invocationState) context.Context {
	return context.WithValue(ctx, invocationKey{}, st)
}

func invocationStateFrom(ctx context.Context) (invocationState, bool) {
	st, ok := ctx.Value(invocationKey{}).(invocationState)
	return st, ok
}

// EntrypointFromContext returns the entrypoint a handler context belongs to.
func EntrypointFromContext(ctx context.Context) (*Entrypoint, bool) {
	st, ok := invocationStateFrom(ctx)
	if !ok {
		return nil, false
	}
	return st.entrypoint, true
}

// DeliveryFromContext returns the delivery being handled.
func DeliveryFromContext(ctx context.Context) (*transport.Delivery, bool) {
	st, ok := invocationStateFrom(ctx)
	if !ok || st.delivery == nil {
		return nil, false
	}
	return st.delivery, true
}

// serviceRuntime is the started form of a Service: its pool, the wrapped
// handler of every entrypoint and the deliveries its workers hold.
type serviceRuntime struct {
	svc     *Service
	cfg     *configpkg.Config
	broker  transport.Broker
	logger  loggingpkg.ServiceLogger
	pool    *WorkerPool
	deps    []dependencySlot
	chains  map[string]handlerspkg.Handler
	stats   map[string]*EntrypointStats
	metrics *Metrics
	dlq     *DLQMetrics
	retries *retryTracker

	// workCtx is handed to handlers. It is cancelled only when draining
	// times out.
	workCtx    context.Context
	cancelWork context.CancelFunc

	mu       sync.Mutex
	inflight map[*transport.Delivery]struct{}

	consumers []*consumer
	timers    []*timer
}

func (r *serviceRuntime) track(d *transport.Delivery) {
	r.mu.Lock()
	r.inflight[d] = struct{}{}
	r.mu.Unlock()
}

func (r *serviceRuntime) untrack(d *transport.Delivery) {
	r.mu.Lock()
	delete(r.inflight, d)
	r.mu.Unlock()
}

// requeueInflight hands every unsettled delivery back to the broker.
func (r *serviceRuntime) requeueInflight() int {
	r.mu.Lock()
	pending := make([]*transport.Delivery, 0, len(r.inflight))
	for d := range r.inflight {
		pending = append(pending, d)
	}
	r.mu.Unlock()

	n := 0
	for _, d := range pending {
		if d.Local() || d.Settled() != 0 {
			continue
		}
		if err := d.Reject(true); err != nil {
			r.logger.Error("Failed to requeue unfinished delivery", err, loggingpkg.LogFields{"queue": d.Queue, "message_id": d.ID})
			continue
		}
		n++
	}
	return n
}

// handle runs one delivery on a slot the caller holds. A nil entrypoint
// means the delivery came from the RPC queue and the body names the method.
func (r *serviceRuntime) handle(ctx context.Context, ep *Entrypoint, d *transport.Delivery) {
	switch {
	case ep == nil || ep.Kind == KindRPC:
		r.handleRPC(ctx, d)
	case ep.Kind == KindEvent:
		r.handleEvent(ctx, ep, d)
	case ep.Kind == KindTimer:
		r.execute(ctx, ep, r.newInvocation(ep, d), d)
	}
}

// run handles d on a slot the caller holds and stops tracking it afterwards.
// A panic escaping handle leaves d unsettled; it is answered and discarded
// here so it cannot hold a prefetch slot for the life of the connection.
func (r *serviceRuntime) run(ep *Entrypoint, d *transport.Delivery) {
	defer r.untrack(d)
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		cause := &errspkg.PanicError{Value: p, Stack: string(debug.Stack())}
		r.logger.Error("Worker crashed", cause, loggingpkg.LogFields{
			"queue":      d.Queue,
			"message_id": d.ID,
		})
		if d.Settled() != 0 {
			return
		}
		r.reply(r.workCtx, d, rpc.FailureFor(cause))
		if err := d.Reject(false); err != nil {
			r.logger.Error("Failed to discard message", err, loggingpkg.LogFields{"queue": d.Queue, "message_id": d.ID})
		}
	}()
	r.handle(r.workCtx, ep, d)
}

func (r *serviceRuntime) handleRPC(ctx context.Context, d *transport.Delivery) {
	req, err := rpc.DecodeRequest(d.Payload)
	if err != nil {
		r.refuse(ctx, d, err)
		return
	}
	// Local submissions carry no topic; broker deliveries must name the same
	// method in their topic and body.
	if d.Topic != "" {
		if method, ok := rpc.MethodFromTopic(r.svc.Name(), d.Topic); !ok || method != req.Method {
			r.refuse(ctx, d, &errspkg.RoutingError{Service: r.svc.Name(), Target: d.Topic})
			return
		}
	}
	ep, ok := r.svc.Entrypoint(req.Method)
	if !ok || ep.Kind != KindRPC {
		r.refuse(ctx, d, &errspkg.RoutingError{Service: r.svc.Name(), Target: req.Method})
		return
	}
	inv := r.newInvocation(ep, d)
	inv.Args = req.Args
	inv.Kwargs = req.Kwargs
	r.execute(ctx, ep, inv, d)
}

func (r *serviceRuntime) handleEvent(ctx context.Context, ep *Entrypoint, d *transport.Delivery) {
	body, err := DecodeEvent(d.Payload)
	if err != nil {
		r.refuse(ctx, d, err)
		return
	}
	if body.EventType != ep.EventType {
		r.refuse(ctx, d, &errspkg.RoutingError{Service: r.svc.Name(), Target: body.EventType})
		return
	}
	inv := r.newInvocation(ep, d)
	inv.Payload = body.Payload
	r.execute(ctx, ep, inv, d)
}

// refuse acknowledges a delivery that cannot be turned into a call. RPC
// callers receive an error envelope.
func (r *serviceRuntime) refuse(ctx context.Context, d *transport.Delivery, cause error) {
	r.logger.Error("Refusing message", cause, loggingpkg.LogFields{
		"queue":          d.Queue,
		"topic":          d.Topic,
		"correlation_id": d.CorrelationID,
		"kind":           errspkg.KindOf(cause),
	})
	r.reply(ctx, d, rpc.FailureFor(cause))
	r.ack(d)
	if r.metrics != nil {
		r.metrics.invocations.WithLabelValues(r.svc.Name(), "", "unknown", "refused").Inc()
	}
}

func (r *serviceRuntime) newInvocation(ep *Entrypoint, d *transport.Delivery) *handlerspkg.Invocation {
	md := metadatapkg.Metadata(d.Headers).Clone()
	if md[metadatapkg.KeyCorrelationID] == "" && d.CorrelationID != "" {
		md[metadatapkg.KeyCorrelationID] = d.CorrelationID
	}
	if md[metadatapkg.KeyCorrelationID] == "" {
		md[metadatapkg.KeyCorrelationID] = idspkg.NewCorrelationID()
	}
	callID := ep.ID() + "." + idspkg.NewULID()
	return &handlerspkg.Invocation{
		MessageContextBase: handlerspkg.MessageContextBase{
			Metadata: md,
			Logger: r.logger.With(loggingpkg.LogFields{
				"entrypoint": ep.Name,
				"call_id":    callID,
			}),
		},
		Service:    r.svc.Name(),
		Entrypoint: ep.Name,
		CallID:     callID,
	}
}

// execute injects dependencies, runs the entrypoint's handler chain and
// settles the delivery according to the result.
func (r *serviceRuntime) execute(ctx context.Context, ep *Entrypoint, inv *handlerspkg.Invocation, d *transport.Delivery) {
	started := time.Now()
	stats := r.stats[ep.Name]
	stats.started()

	key := retryKey(d)
	ctx = withInvocationState(ctx, invocationState{
		entrypoint: ep,
		delivery:   d,
		attempts:   r.retries.Attempts(key),
	})

	result, err := r.invoke(ctx, ep, inv)
	outcome := r.settle(ctx, ep, d, key, result, err)

	if outcome == errspkg.OutcomeAck && errors.Is(err, errspkg.ErrSkip) {
		err = nil
	}
	stats.finished(time.Since(started), err, outcome)
	if r.metrics != nil {
		r.metrics.invocations.WithLabelValues(r.svc.Name(), ep.Name, ep.Kind.String(), outcomeLabel(err, outcome)).Inc()
	}
}

func outcomeLabel(err error, outcome errspkg.Outcome) string {
	if outcome == errspkg.OutcomeAck && err != nil {
		return "error"
	}
	if outcome == errspkg.OutcomeAck {
		return "ok"
	}
	return outcome.String()
}

func (r *serviceRuntime) invoke(ctx context.Context, ep *Entrypoint, inv *handlerspkg.Invocation) (result any, err error) {
	w := WorkerInfo{
		Service:    r.svc.Name(),
		Entrypoint: ep.Name,
		CallID:     inv.CallID,
		Headers:    inv.Metadata.PushCall(inv.CallID),
	}

	acquired := make([]dependencySlot, 0, len(r.deps))
	values := make([]any, 0, len(r.deps))
	// Panics in providers and handlers alike become a PanicError before the
	// acquired dependencies see the outcome.
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, &errspkg.PanicError{Value: p, Stack: string(debug.Stack())}
		}
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].provider.Release(w, values[i], err)
		}
	}()

	for _, dep := range r.deps {
		v, derr := dep.provider.Acquire(ctx, w)
		if derr != nil {
			return nil, errspkg.Infrastructure(fmt.Errorf("dependency %q: %w", dep.name, derr))
		}
		inv.SetDependency(dep.name, v)
		acquired = append(acquired, dep)
		values = append(values, v)
	}
	return r.chains[ep.Name](ctx, inv)
}

// settle acknowledges, requeues or dead-letters d and returns what it did.
// RPC replies are published before the request is acknowledged.
func (r *serviceRuntime) settle(ctx context.Context, ep *Entrypoint, d *transport.Delivery, key string, result any, err error) errspkg.Outcome {
	if err != nil {
		r.logFailure(ep, d, err)
	}

	outcome := errspkg.Classify(err)
	if ep.Kind == KindTimer && outcome != errspkg.OutcomeAck {
		// timer fires have nothing to redeliver
		return errspkg.OutcomeAck
	}

	switch outcome {
	case errspkg.OutcomeRequeue:
		attempts := r.retries.Failed(key)
		if !d.Local() && attempts <= r.cfg.MaxRetries {
			r.logger.Info("Requeueing message", loggingpkg.LogFields{
				"entrypoint": ep.ID(),
				"message_id": d.ID,
				"attempt":    attempts,
			})
			if rerr := d.Reject(true); rerr != nil {
				r.logger.Error("Failed to requeue message", rerr, loggingpkg.LogFields{"entrypoint": ep.ID()})
			}
			return errspkg.OutcomeRequeue
		}
		return r.deadLetter(ctx, ep, d, key, err, attempts)
	case errspkg.OutcomeDeadLetter:
		return r.deadLetter(ctx, ep, d, key, err, r.retries.Attempts(key)+1)
	}

	if ep.Kind == KindRPC {
		r.reply(ctx, d, replyBody(result, err))
	}
	r.ack(d)
	r.retries.Forget(key)
	return errspkg.OutcomeAck
}

func replyBody(result any, err error) []byte {
	if err != nil && !errors.Is(err, errspkg.ErrSkip) {
		return rpc.FailureFor(err)
	}
	body, encErr := rpc.Success(result)
	if encErr != nil {
		return rpc.FailureFor(encErr)
	}
	return body
}

func (r *serviceRuntime) deadLetter(ctx context.Context, ep *Entrypoint, d *transport.Delivery, key string, cause error, attempts int) errspkg.Outcome {
	pubCtx := context.WithoutCancel(ctx)
	headers := metadatapkg.Metadata(d.Headers).WithAll(metadatapkg.Metadata{
		metadatapkg.KeyOriginalTopic: d.Topic,
		metadatapkg.KeyError:         cause.Error(),
		metadatapkg.KeyAttempts:      strconv.Itoa(attempts),
	})
	err := r.broker.Publish(pubCtx, transport.Message{
		ID:            idspkg.NewULID(),
		Topic:         r.cfg.DeadLetterTopic,
		Payload:       d.Payload,
		Headers:       headers,
		CorrelationID: d.CorrelationID,
	})
	if err != nil {
		r.logger.Error("Failed to dead-letter message", err, loggingpkg.LogFields{
			"entrypoint": ep.ID(),
			"topic":      r.cfg.DeadLetterTopic,
		})
		if !d.Local() {
			_ = d.Reject(true)
			return errspkg.OutcomeRequeue
		}
	}

	if ep.Kind == KindRPC {
		r.reply(ctx, d, rpc.Failure(errspkg.KindDeadLettered, cause.Error()))
	}
	r.ack(d)
	r.retries.Forget(key)

	var age time.Duration
	if at, ok := idspkg.Timestamp(d.ID); ok {
		age = time.Since(at)
	}
	if r.dlq != nil {
		r.dlq.RecordMessageToDLQ(d.Topic, ep.ID(), attempts, age, cause)
	}
	r.logger.Info("Message dead-lettered", loggingpkg.LogFields{
		"entrypoint": ep.ID(),
		"message_id": d.ID,
		"attempts":   attempts,
	})
	return errspkg.OutcomeDeadLetter
}

func (r *serviceRuntime) reply(ctx context.Context, d *transport.Delivery, body []byte) {
	if d.ReplyTo == "" {
		return
	}
	err := r.broker.Publish(context.WithoutCancel(ctx), transport.Message{
		ID:            idspkg.NewULID(),
		Topic:         d.ReplyTo,
		Payload:       body,
		CorrelationID: d.CorrelationID,
	})
	if err != nil {
		r.logger.Error("Failed to publish RPC reply", err, loggingpkg.LogFields{
			"reply_to":       d.ReplyTo,
			"correlation_id": d.CorrelationID,
		})
	}
}

func (r *serviceRuntime) ack(d *transport.Delivery) {
	if err := d.Ack(); err != nil {
		r.logger.Error("Failed to ack message", err, loggingpkg.LogFields{"queue": d.Queue, "message_id": d.ID})
	}
}

// logFailure logs expected errors at info level and everything else at
// error level.
func (r *serviceRuntime) logFailure(ep *Entrypoint, d *transport.Delivery, err error) {
	fields := loggingpkg.LogFields{
		"entrypoint":     ep.ID(),
		"kind":           errspkg.KindOf(err),
		"correlation_id": d.CorrelationID,
	}
	if errors.Is(err, errspkg.ErrSkip) {
		r.logger.Debug("Message skipped", fields)
		return
	}
	if errspkg.IsExpected(err, ep.Expected) {
		fields["error"] = err.Error()
		r.logger.Info("Entrypoint returned expected error", fields)
		return
	}
	r.logger.Error("Entrypoint failed", err, fields)
}

func (r *serviceRuntime) snapshot(resource ResourceUsage) ServiceStats {
	eps := r.svc.Entrypoints()
	infos := make([]EntrypointInfo, 0, len(eps))
	for _, ep := range eps {
		infos = append(infos, EntrypointInfo{
			Name:    ep.Name,
			Kind:    ep.Kind.String(),
			Binding: ep.Binding(),
			Stats:   r.stats[ep.Name],
		})
	}
	return ServiceStats{
		Name:        r.svc.Name(),
		Capacity:    r.pool.Capacity(),
		Occupied:    r.pool.Occupied(),
		Peak:        r.pool.Peak(),
		Entrypoints: infos,
		Resource:    resource,
	}
}
