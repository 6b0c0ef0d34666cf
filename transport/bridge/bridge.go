// Package bridge exposes watermill publishers and subscribers as a svcflow
// broker. The kafka, nats, aws, http and amqpfanout transports are built on it.
//
// Watermill subscriptions deliver one message at a time and wait for its
// acknowledgement, so the bridge opens one consumer per prefetch slot on the
// same queue to let the worker pool run concurrently. Watermill backends do
// not understand topic wildcards; subscriptions must name literal topics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	"github.com/drblury/svcflow/internal/runtime/metadata"
	"github.com/drblury/svcflow/transport"
)

// Metadata keys used to carry routing properties through watermill metadata.
const (
	MetadataCorrelationID = metadata.KeyCorrelationID
	MetadataReplyTo       = metadata.KeyReplyTo
	MetadataTopic         = metadata.KeyTopic
)

// Backend creates the watermill side of a bridge.
type Backend struct {
	// Publisher creates the single publisher used for every topic.
	Publisher func(ctx context.Context) (message.Publisher, error)

	// Subscriber creates a subscriber bound to queue, for example a Kafka
	// consumer group or a NATS queue group named after it.
	Subscriber func(ctx context.Context, queue string, opts transport.SubscribeOptions) (message.Subscriber, error)

	// Start runs after the publisher is created, for backends that need to
	// serve something (the HTTP subscriber server). Optional.
	Start func(ctx context.Context) error

	// Stop releases resources shared across subscriptions. Optional.
	Stop func() error

	// CompetingConsumers reports whether several Subscribe calls on one
	// subscriber share messages. When false the bridge opens a single consumer
	// per queue regardless of prefetch.
	CompetingConsumers bool
}

// Broker adapts a watermill Backend to transport.Broker.
type Broker struct {
	name    string
	caps    transport.Capabilities
	backend Backend
	logger  watermill.LoggerAdapter

	mu        sync.Mutex
	publisher message.Publisher
	subs      map[*subscription]struct{}
	connected atomic.Bool
}

var _ transport.Broker = (*Broker)(nil)

// New returns a disconnected bridge broker.
func New(name string, caps transport.Capabilities, backend Backend, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		name:    name,
		caps:    caps,
		backend: backend,
		logger:  logger.With(watermill.LogFields{"transport": name}),
		subs:    make(map[*subscription]struct{}),
	}
}

// Capabilities returns the capabilities of the wrapped backend.
func (b *Broker) Capabilities() transport.Capabilities {
	return b.caps
}

// Connected reports whether Connect succeeded and Disconnect was not called.
// Watermill backends reconnect internally; while they do, Publish returns
// their error wrapped in a TransportError.
func (b *Broker) Connected() bool {
	return b.connected.Load()
}

// Connect creates the publisher.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publisher != nil {
		return nil
	}
	if b.backend.Publisher == nil {
		return errspkg.NewTransportError("connect", fmt.Errorf("%s backend has no publisher", b.name))
	}
	pub, err := b.backend.Publisher(ctx)
	if err != nil {
		return errspkg.NewTransportError("connect", err)
	}
	if b.backend.Start != nil {
		if err := b.backend.Start(ctx); err != nil {
			_ = pub.Close()
			return errspkg.NewTransportError("connect", err)
		}
	}
	b.publisher = pub
	b.connected.Store(true)
	b.logger.Info("Connected watermill backend", nil)
	return nil
}

// Publish sends msg on its topic.
func (b *Broker) Publish(ctx context.Context, msg transport.Message) error {
	if msg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	b.mu.Lock()
	pub := b.publisher
	b.mu.Unlock()
	if pub == nil || !b.connected.Load() {
		return errspkg.NewTransportError("publish", transport.ErrNotConnected)
	}
	return errspkg.NewTransportError("publish", pub.Publish(msg.Topic, ToWatermill(ctx, msg)))
}

// Subscribe consumes the literal topic pattern through a subscriber created
// for queue.
func (b *Broker) Subscribe(ctx context.Context, queue, pattern string, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if queue == "" || pattern == "" {
		return nil, fmt.Errorf("svcflow: queue and pattern are required")
	}
	if transport.IsPattern(pattern) && !b.caps.SupportsTopicPatterns {
		return nil, errspkg.NewTransportError("subscribe", fmt.Errorf("%s does not support topic pattern %q", b.name, pattern))
	}
	if !b.connected.Load() {
		return nil, errspkg.NewTransportError("subscribe", transport.ErrNotConnected)
	}
	if b.backend.Subscriber == nil {
		return nil, errspkg.NewTransportError("subscribe", fmt.Errorf("%s backend has no subscriber", b.name))
	}

	subscriber, err := b.backend.Subscriber(ctx, queue, opts)
	if err != nil {
		return nil, errspkg.NewTransportError("subscribe", err)
	}

	consumers := 1
	if b.backend.CompetingConsumers && opts.Prefetch > 1 {
		consumers = opts.Prefetch
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		broker:     b,
		queue:      queue,
		subscriber: subscriber,
		cancel:     cancel,
		out:        make(chan *transport.Delivery),
		done:       make(chan struct{}),
	}
	for i := 0; i < consumers; i++ {
		in, err := subscriber.Subscribe(subCtx, pattern)
		if err != nil {
			_ = sub.Close()
			return nil, errspkg.NewTransportError("subscribe", err)
		}
		sub.forwards.Add(1)
		go sub.forward(in)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("Subscribed", watermill.LogFields{"queue": queue, "topic": pattern, "consumers": consumers})
	return sub, nil
}

// Disconnect closes every subscription and the publisher.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	pub := b.publisher
	b.publisher = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	b.connected.Store(false)
	var errs []error
	if pub != nil {
		errs = append(errs, pub.Close())
	}
	if b.backend.Stop != nil {
		errs = append(errs, b.backend.Stop())
	}
	return errspkg.NewTransportError("disconnect", errors.Join(errs...))
}

type subscription struct {
	broker     *Broker
	queue      string
	subscriber message.Subscriber
	cancel     context.CancelFunc

	out       chan *transport.Delivery
	done      chan struct{}
	forwards  sync.WaitGroup
	closeOnce sync.Once
}

func (s *subscription) Messages() <-chan *transport.Delivery {
	return s.out
}

func (s *subscription) forward(in <-chan *message.Message) {
	defer s.forwards.Done()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			d := transport.NewDelivery(FromWatermill(m), s.queue, false, settler(m))
			select {
			case s.out <- d:
			case <-s.done:
				m.Nack()
				return
			}
		}
	}
}

func settler(m *message.Message) transport.SettleFunc {
	return func(st transport.Settlement) error {
		if st == transport.SettleRequeue {
			m.Nack()
			return nil
		}
		// watermill has no discard; acknowledging drops the message
		m.Ack()
		return nil
	}
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		err = s.subscriber.Close()
		s.forwards.Wait()
		close(s.out)

		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	})
	return err
}

// ToWatermill converts a svcflow message into a watermill message.
func ToWatermill(ctx context.Context, msg transport.Message) *message.Message {
	id := msg.ID
	if id == "" {
		id = watermill.NewULID()
	}
	wm := message.NewMessage(id, msg.Payload)
	wm.Metadata = metadata.ToWatermill(msg.Headers, metadata.Routing{
		Topic:         msg.Topic,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
	})
	if ctx != nil {
		wm.SetContext(ctx)
	}
	return wm
}

// FromWatermill converts a watermill message into a svcflow message. Routing
// properties are lifted out of the metadata.
func FromWatermill(m *message.Message) transport.Message {
	headers, routing := metadata.FromWatermill(m.Metadata)
	return transport.Message{
		ID:            m.UUID,
		Topic:         routing.Topic,
		Payload:       m.Payload,
		Headers:       headers,
		CorrelationID: routing.CorrelationID,
		ReplyTo:       routing.ReplyTo,
	}
}
