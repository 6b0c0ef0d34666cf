// Package transporttest provides helpers for testing transports.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a transport.Config with settable fields.
type Config struct {
	Transport          string
	BrokerURI          string
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration
	ConnectAttempts    int
	KafkaBrokers       []string
	KafkaConsumerGroup string
	NATSURL            string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetTransport() string                { return c.Transport }
func (c *Config) GetBrokerURI() string                { return c.BrokerURI }
func (c *Config) GetReconnectInitial() time.Duration { return c.ReconnectInitial }
func (c *Config) GetReconnectMax() time.Duration     { return c.ReconnectMax }
func (c *Config) GetConnectAttempts() int             { return c.ConnectAttempts }
func (c *Config) GetKafkaBrokers() []string           { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string       { return c.KafkaConsumerGroup }
func (c *Config) GetNATSURL() string                  { return c.NATSURL }
func (c *Config) GetHTTPServerAddress() string        { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string         { return c.HTTPPublisherURL }
func (c *Config) GetAWSRegion() string                { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string             { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string           { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string       { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string              { return c.AWSEndpoint }

// Publisher records published messages by topic.
type Publisher struct {
	mu        sync.Mutex
	Published map[string][]*message.Message
	Err       error
	Closed    bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Published == nil {
		p.Published = make(map[string][]*message.Message)
	}
	p.Published[topic] = append(p.Published[topic], messages...)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Count returns the number of messages published on topic.
func (p *Publisher) Count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Published[topic])
}

// Subscriber hands out channels that are fed through Send.
type Subscriber struct {
	mu     sync.Mutex
	Topics []string
	chans  []chan *message.Message
	Closed bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *message.Message, 8)
	s.Topics = append(s.Topics, topic)
	s.chans = append(s.chans, ch)
	return ch, nil
}

// Send offers msg to the first consumer.
func (s *Subscriber) Send(msg *message.Message) {
	s.mu.Lock()
	ch := s.chans[0]
	s.mu.Unlock()
	ch <- msg
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
