// Package rabbitmq provides a native AMQP 0-9-1 broker for svcflow.
//
// All traffic goes through a single durable topic exchange. Each subscription
// owns a channel with QoS set to its prefetch, consumes with manual
// acknowledgement and is restored after the connection is re-established.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	"github.com/drblury/svcflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DefaultExchange is the topic exchange every message is published to.
const DefaultExchange = "svcflow"

// DialFunc allows overriding the connection creation for testing.
var DialFunc = func(uri string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Connection is the subset of *amqp.Connection the broker uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of *amqp.Channel the broker uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ broker from config. The broker dials on Connect.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	uri := cfg.GetBrokerURI()
	if uri == "" {
		return nil, fmt.Errorf("svcflow: rabbitmq transport requires a broker uri")
	}
	return New(uri, logger,
		WithReconnect(cfg.GetReconnectInitial(), cfg.GetReconnectMax()),
		WithConnectAttempts(cfg.GetConnectAttempts()),
	), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Option customises a Broker.
type Option func(*Broker)

// WithExchange overrides the topic exchange name.
func WithExchange(name string) Option {
	return func(b *Broker) {
		if name != "" {
			b.exchange = name
		}
	}
}

// WithReconnect sets the base and cap of the reconnect schedule.
func WithReconnect(initial, maxDelay time.Duration) Option {
	return func(b *Broker) {
		b.reconnectInitial = initial
		b.reconnectMax = maxDelay
	}
}

// WithConnectAttempts bounds the number of dial attempts made by Connect.
func WithConnectAttempts(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.connectAttempts = n
		}
	}
}

// Broker is a reconnecting AMQP client.
type Broker struct {
	uri      string
	exchange string
	logger   watermill.LoggerAdapter

	reconnectInitial time.Duration
	reconnectMax     time.Duration
	connectAttempts  int

	mu      sync.Mutex
	conn    Connection
	pubCh   Channel
	subs    map[*subscription]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	watcher sync.WaitGroup

	pubMu     sync.Mutex
	connected atomic.Bool
}

var _ transport.Broker = (*Broker)(nil)

// New creates a disconnected broker for uri.
func New(uri string, logger watermill.LoggerAdapter, opts ...Option) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	b := &Broker{
		uri:             uri,
		exchange:        DefaultExchange,
		logger:          logger,
		connectAttempts: 3,
		subs:            make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Capabilities returns the capabilities of this broker.
func (b *Broker) Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Connected reports whether the broker currently holds a live connection.
func (b *Broker) Connected() bool {
	return b.connected.Load()
}

// Connect dials the broker, retrying with full jitter backoff. It fails once
// the configured attempts are exhausted.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	conn, err := transport.Dial(ctx, b.dial, b.reconnectInitial, b.reconnectMax, b.connectAttempts, func(err error, wait time.Duration) {
		b.logger.Info("Broker connection failed, retrying", watermill.LogFields{"error": err.Error(), "retry_in": wait.String()})
	})
	if err != nil {
		return errspkg.NewTransportError("connect", err)
	}

	b.mu.Lock()
	b.installLocked(conn)
	b.mu.Unlock()

	b.logger.Info("Connected to broker", watermill.LogFields{"exchange": b.exchange})
	return nil
}

func (b *Broker) dial() (session, error) {
	conn, err := DialFunc(b.uri, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": "svcflow"},
	})
	if err != nil {
		return session{}, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return session{}, err
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return session{}, err
	}
	return session{conn: conn, pubCh: ch}, nil
}

type session struct {
	conn  Connection
	pubCh Channel
}

func (b *Broker) installLocked(c session) {
	b.conn = c.conn
	b.pubMu.Lock()
	b.pubCh = c.pubCh
	b.pubMu.Unlock()
	b.connected.Store(true)

	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	b.watcher.Add(1)
	go b.watch(closed)
}

func (b *Broker) watch(closed chan *amqp.Error) {
	defer b.watcher.Done()
	select {
	case <-b.ctx.Done():
		return
	case amqpErr, ok := <-closed:
		if b.ctx.Err() != nil {
			return
		}
		b.connected.Store(false)
		fields := watermill.LogFields{}
		if ok && amqpErr != nil {
			fields["reason"] = amqpErr.Reason
			fields["code"] = amqpErr.Code
		}
		b.logger.Error("Broker connection lost", errspkg.NewTransportError("connection", transport.ErrNotConnected), fields)
		b.reconnect()
	}
}

func (b *Broker) reconnect() {
	c, err := transport.Dial(b.ctx, b.dial, b.reconnectInitial, b.reconnectMax, 0, func(err error, wait time.Duration) {
		b.logger.Info("Reconnecting to broker", watermill.LogFields{"error": err.Error(), "retry_in": wait.String()})
	})
	if err != nil {
		// only reachable once the broker is being shut down
		return
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		_ = c.conn.Close()
		return
	}
	b.installLocked(c)
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	conn := b.conn
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.start(conn); err != nil {
			b.logger.Error("Failed to restore subscription", err, watermill.LogFields{"queue": sub.queue})
		}
	}
	b.logger.Info("Reconnected to broker", watermill.LogFields{"subscriptions": len(subs)})
}

// Publish sends msg to the exchange with its topic as routing key. It fails
// fast while the connection is down.
func (b *Broker) Publish(ctx context.Context, msg transport.Message) error {
	if msg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if !b.connected.Load() {
		return errspkg.NewTransportError("publish", transport.ErrNotConnected)
	}
	if msg.ID == "" {
		msg.ID = watermill.NewULID()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return errspkg.NewTransportError("publish", transport.ErrNotConnected)
	}
	err := b.pubCh.PublishWithContext(ctx, b.exchange, msg.Topic, false, false, toPublishing(msg))
	return errspkg.NewTransportError("publish", err)
}

// Subscribe declares queue, binds it to pattern on the exchange and consumes
// it with manual acknowledgement.
func (b *Broker) Subscribe(ctx context.Context, queue, pattern string, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if queue == "" || pattern == "" {
		return nil, fmt.Errorf("svcflow: queue and pattern are required")
	}
	b.mu.Lock()
	conn := b.conn
	if conn == nil || !b.connected.Load() {
		b.mu.Unlock()
		return nil, errspkg.NewTransportError("subscribe", transport.ErrNotConnected)
	}
	sub := newSubscription(b, queue, pattern, opts)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if err := sub.start(conn); err != nil {
		b.forget(sub)
		_ = sub.Close()
		return nil, errspkg.NewTransportError("subscribe", err)
	}
	return sub, nil
}

func (b *Broker) forget(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Disconnect closes all subscriptions and the connection. Unacknowledged
// deliveries are returned to their queues by the server.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	b.connected.Store(false)

	b.pubMu.Lock()
	b.pubCh = nil
	b.pubMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	b.watcher.Wait()
	if err != nil && err != amqp.ErrClosed {
		return errspkg.NewTransportError("disconnect", err)
	}
	return nil
}

type subscription struct {
	broker  *Broker
	queue   string
	pattern string
	opts    transport.SubscribeOptions
	tag     string

	out       chan *transport.Delivery
	done      chan struct{}
	closeOnce sync.Once
	forwards  sync.WaitGroup

	mu sync.Mutex
	ch Channel
}

func newSubscription(b *Broker, queue, pattern string, opts transport.SubscribeOptions) *subscription {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	return &subscription{
		broker:  b,
		queue:   queue,
		pattern: pattern,
		opts:    opts,
		tag:     "svcflow-" + watermill.NewShortUUID(),
		out:     make(chan *transport.Delivery),
		done:    make(chan struct{}),
	}
}

func (s *subscription) start(conn Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(s.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := ch.QueueDeclare(s.queue, s.opts.Durable, s.opts.AutoDelete, s.opts.Exclusive, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.QueueBind(s.queue, s.pattern, s.broker.exchange, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(s.queue, s.tag, false, s.opts.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = ch.Close()
		return transport.ErrClosed
	default:
	}
	s.ch = ch
	s.forwards.Add(1)
	s.mu.Unlock()

	go s.forward(deliveries)
	return nil
}

func (s *subscription) forward(in <-chan amqp.Delivery) {
	defer s.forwards.Done()
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			delivery := transport.NewDelivery(fromDelivery(d), s.queue, d.Redelivered, settler(d))
			select {
			case s.out <- delivery:
			case <-s.done:
				_ = d.Reject(true)
				return
			}
		}
	}
}

func settler(d amqp.Delivery) transport.SettleFunc {
	return func(st transport.Settlement) error {
		var err error
		switch st {
		case transport.SettleAck:
			err = d.Ack(false)
		case transport.SettleRequeue:
			err = d.Reject(true)
		default:
			err = d.Reject(false)
		}
		return errspkg.NewTransportError(st.String(), err)
	}
}

func (s *subscription) Messages() <-chan *transport.Delivery {
	return s.out
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		ch := s.ch
		s.ch = nil
		s.mu.Unlock()

		if ch != nil {
			_ = ch.Cancel(s.tag, false)
			_ = ch.Close()
		}
		s.forwards.Wait()
		close(s.out)
		s.broker.forget(s)
	})
	return nil
}

func toPublishing(msg transport.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.ID,
		Timestamp:     time.Now().UTC(),
		Body:          msg.Payload,
	}
}

func fromDelivery(d amqp.Delivery) transport.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return transport.Message{
		ID:            d.MessageId,
		Topic:         d.RoutingKey,
		Payload:       d.Body,
		Headers:       headers,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
	}
}
