// Package http provides an HTTP transport for svcflow.
// Publishing POSTs each message to the publisher URL followed by its topic;
// subscribing registers a POST route named after the topic on a shared HTTP
// server. There is no queueing, so deliveries are at-most-once.
package http

import (
	"context"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/svcflow/transport"
	"github.com/drblury/svcflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()
	if serverAddr == "" || publisherURL == "" {
		return nil, fmt.Errorf("svcflow: http transport requires a server address and a publisher url")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	shared := &sharedSubscriber{addr: serverAddr, logger: logger}

	return bridge.New(TransportName, transport.HTTPCapabilities, bridge.Backend{
		Publisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(
				http.PublisherConfig{
					MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
						return http.DefaultMarshalMessageFunc(PublishURL(publisherURL, topic), msg)
					},
				},
				logger,
			)
		},
		Subscriber: func(context.Context, string, transport.SubscribeOptions) (message.Subscriber, error) {
			return shared.get()
		},
		Start: func(context.Context) error {
			sub, err := shared.get()
			if err != nil {
				return err
			}
			go shared.serve(sub)
			return nil
		},
		Stop: shared.close,
	}, logger), nil
}

// PublishURL joins the publisher base URL and a topic.
func PublishURL(base, topic string) string {
	return strings.TrimSuffix(base, "/") + "/" + topic
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// sharedSubscriber owns the single HTTP server every subscription registers
// a route on.
type sharedSubscriber struct {
	addr   string
	logger watermill.LoggerAdapter

	mu  sync.Mutex
	sub message.Subscriber
}

func (s *sharedSubscriber) get() (message.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		sub, err := SubscriberFactory(
			s.addr,
			http.SubscriberConfig{
				UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
			},
			s.logger,
		)
		if err != nil {
			return nil, err
		}
		s.sub = sub
	}
	return routeSubscriber{s.sub}, nil
}

func (s *sharedSubscriber) serve(sub message.Subscriber) {
	rs, ok := sub.(routeSubscriber)
	if !ok {
		return
	}
	if hs, ok := rs.Subscriber.(*http.Subscriber); ok {
		if err := hs.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
			s.logger.Error("Failed to start HTTP subscriber server", err, nil)
		}
	}
}

func (s *sharedSubscriber) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Close()
	s.sub = nil
	return err
}

// routeSubscriber turns topics into route paths and leaves closing the shared
// server to Stop.
type routeSubscriber struct {
	message.Subscriber
}

func (r routeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return r.Subscriber.Subscribe(ctx, "/"+strings.TrimPrefix(topic, "/"))
}

func (routeSubscriber) Close() error { return nil }
