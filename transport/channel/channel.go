// Package channel provides an in-memory broker for svcflow.
// It implements topic exchange routing, durable queues, prefetch limits and
// redelivery of unacknowledged messages, which makes it the harness for
// runtime tests and local development.
package channel

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	"github.com/drblury/svcflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the broker creation for testing.
var Factory = func(logger watermill.LoggerAdapter) transport.Broker {
	return New(logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-memory broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	return Factory(logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type envelope struct {
	msg         transport.Message
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	patterns   []string
	ready      []envelope
	consumers  map[*subscription]struct{}
}

func (q *queue) bound(topic string) bool {
	for _, p := range q.patterns {
		if transport.Match(p, topic) {
			return true
		}
	}
	return false
}

// Broker is an in-memory topic exchange. The zero value is not usable; call New.
type Broker struct {
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	connected bool
	queues    map[string]*queue
	changed   chan struct{}
}

var _ transport.Broker = (*Broker)(nil)

// New creates a disconnected in-memory broker.
func New(logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		logger:  logger,
		queues:  make(map[string]*queue),
		changed: make(chan struct{}),
	}
}

// Capabilities returns the capabilities of this broker.
func (b *Broker) Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Connect marks the broker as reachable and resumes paused subscriptions.
func (b *Broker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errspkg.NewTransportError("connect", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		b.connected = true
		b.logger.Debug("In-memory broker connected", nil)
		b.notifyLocked()
	}
	return nil
}

// Connected reports whether the broker is reachable.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish routes msg to every queue bound to a matching pattern. Messages
// nobody is bound to are dropped.
func (b *Broker) Publish(ctx context.Context, msg transport.Message) error {
	if msg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return errspkg.NewTransportError("publish", err)
	}
	if msg.ID == "" {
		msg.ID = watermill.NewULID()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return errspkg.NewTransportError("publish", transport.ErrNotConnected)
	}

	routed := 0
	for _, q := range b.queues {
		if !q.bound(msg.Topic) {
			continue
		}
		q.ready = append(q.ready, envelope{msg: copyMessage(msg)})
		routed++
	}
	if routed == 0 {
		b.logger.Trace("Dropping unroutable message", watermill.LogFields{"topic": msg.Topic})
		return nil
	}
	b.notifyLocked()
	return nil
}

// Subscribe declares queue, binds pattern to it and starts consuming. Several
// subscriptions on the same queue compete for its messages.
func (b *Broker) Subscribe(ctx context.Context, queueName, pattern string, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if queueName == "" || pattern == "" {
		return nil, fmt.Errorf("svcflow: queue and pattern are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errspkg.NewTransportError("subscribe", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, errspkg.NewTransportError("subscribe", transport.ErrNotConnected)
	}

	q, ok := b.queues[queueName]
	if !ok {
		q = &queue{
			name:       queueName,
			durable:    opts.Durable,
			autoDelete: opts.AutoDelete,
			exclusive:  opts.Exclusive,
			consumers:  make(map[*subscription]struct{}),
		}
		b.queues[queueName] = q
	}
	if q.exclusive && len(q.consumers) > 0 {
		return nil, errspkg.NewTransportError("subscribe", fmt.Errorf("queue %q is exclusive", queueName))
	}
	if !slices.Contains(q.patterns, pattern) {
		q.patterns = append(q.patterns, pattern)
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	sub := &subscription{
		broker:   b,
		queue:    q,
		prefetch: prefetch,
		unacked:  make(map[uint64]envelope),
		out:      make(chan *transport.Delivery),
		done:     make(chan struct{}),
	}
	q.consumers[sub] = struct{}{}
	go sub.pump()

	b.logger.Debug("Subscribed to queue", watermill.LogFields{"queue": queueName, "pattern": pattern, "prefetch": prefetch})
	return sub, nil
}

// Disconnect closes every subscription. Unacknowledged messages return to
// their queues. The broker can be connected again afterwards.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	var subs []*subscription
	for _, q := range b.queues {
		for sub := range q.consumers {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	b.mu.Lock()
	b.connected = false
	b.notifyLocked()
	b.mu.Unlock()
	return nil
}

// SimulateDisconnect drops the connection without closing subscriptions.
// Unacknowledged messages of durable queues are requeued and flagged as
// redelivered; non-durable queues lose their contents. Publish fails until
// Reconnect is called.
func (b *Broker) SimulateDisconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return
	}
	b.connected = false
	for _, q := range b.queues {
		var returned []envelope
		for sub := range q.consumers {
			returned = append(returned, sub.drainUnackedLocked()...)
		}
		if !q.durable {
			q.ready = nil
			continue
		}
		q.ready = append(returned, q.ready...)
	}
	b.logger.Info("In-memory broker connection lost", nil)
	b.notifyLocked()
}

// Reconnect restores a connection dropped by SimulateDisconnect.
func (b *Broker) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return
	}
	b.connected = true
	b.logger.Info("In-memory broker reconnected", nil)
	b.notifyLocked()
}

// QueueDepth returns the number of ready and unacknowledged messages in queue.
func (b *Broker) QueueDepth(queueName string) (ready, unacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, 0
	}
	for sub := range q.consumers {
		unacked += len(sub.unacked)
	}
	return len(q.ready), unacked
}

// Queues returns the names of the declared queues.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

type subscription struct {
	broker   *Broker
	queue    *queue
	prefetch int

	// guarded by broker.mu
	nextTag uint64
	unacked map[uint64]envelope
	closed  bool

	out       chan *transport.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Messages() <-chan *transport.Delivery {
	return s.out
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		b := s.broker
		b.mu.Lock()
		s.closed = true
		q := s.queue
		returned := s.drainUnackedLocked()
		q.ready = append(returned, q.ready...)
		delete(q.consumers, s)
		if q.autoDelete && len(q.consumers) == 0 {
			delete(b.queues, q.name)
		}
		b.notifyLocked()
		b.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *subscription) drainUnackedLocked() []envelope {
	if len(s.unacked) == 0 {
		return nil
	}
	tags := make([]uint64, 0, len(s.unacked))
	for tag := range s.unacked {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	returned := make([]envelope, 0, len(tags))
	for _, tag := range tags {
		env := s.unacked[tag]
		env.redelivered = true
		returned = append(returned, env)
	}
	s.unacked = make(map[uint64]envelope)
	return returned
}

func (s *subscription) pump() {
	defer close(s.out)
	b := s.broker
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return
		}
		var (
			env envelope
			tag uint64
			got bool
		)
		q := s.queue
		if b.connected && len(s.unacked) < s.prefetch && len(q.ready) > 0 {
			env = q.ready[0]
			q.ready = q.ready[1:]
			s.nextTag++
			tag = s.nextTag
			s.unacked[tag] = env
			got = true
		}
		wait := b.changed
		b.mu.Unlock()

		if !got {
			select {
			case <-wait:
				continue
			case <-s.done:
				return
			}
		}

		delivery := transport.NewDelivery(env.msg, q.name, env.redelivered, s.settler(tag))
		select {
		case s.out <- delivery:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) settler(tag uint64) transport.SettleFunc {
	return func(st transport.Settlement) error {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		env, ok := s.unacked[tag]
		if !ok {
			// the message was already returned to its queue by a disconnect or close
			return errspkg.NewTransportError(st.String(), transport.ErrNotConnected)
		}
		delete(s.unacked, tag)
		if st == transport.SettleRequeue {
			env.redelivered = true
			s.queue.ready = append([]envelope{env}, s.queue.ready...)
		}
		b.notifyLocked()
		return nil
	}
}

func copyMessage(msg transport.Message) transport.Message {
	if msg.Headers != nil {
		headers := make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
		msg.Headers = headers
	}
	if msg.Payload != nil {
		msg.Payload = append([]byte(nil), msg.Payload...)
	}
	return msg
}
