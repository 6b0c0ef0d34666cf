// Package redis provides a dependency provider injecting a shared go-redis
// client into service workers.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/svcflow/internal/runtime"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
)

// DefaultConfigKey is the configuration key the connection URL is read from
// when none is given explicitly.
const DefaultConfigKey = "redis.uri"

// DefaultPingTimeout bounds the connectivity check run at setup.
const DefaultPingTimeout = 2 * time.Second

// Option customises the provider.
type Option func(*Provider)

// WithURL sets the connection URL, e.g. redis://:secret@localhost:6379/0.
// It takes precedence over the configuration key.
func WithURL(url string) Option {
	return func(p *Provider) { p.url = url }
}

// WithConfigKey reads the connection URL from key instead of DefaultConfigKey.
func WithConfigKey(key string) Option {
	return func(p *Provider) { p.configKey = key }
}

// WithKeyPrefix namespaces every key written through Client.Key.
func WithKeyPrefix(prefix string) Option {
	return func(p *Provider) { p.prefix = prefix }
}

// WithoutPing skips the connectivity check at setup.
func WithoutPing() Option {
	return func(p *Provider) { p.ping = nil }
}

// Client is what workers receive. The embedded client is shared by every
// worker of the service and safe for concurrent use.
type Client struct {
	*goredis.Client
	prefix string
}

// Key prefixes parts with the provider's key prefix, joined by colons.
func (c *Client) Key(parts ...string) string {
	key := c.prefix
	for _, p := range parts {
		if key != "" {
			key += ":"
		}
		key += p
	}
	return key
}

// Provider opens one client per service at setup and closes it at stop.
type Provider struct {
	runtime.BaseProvider

	url       string
	configKey string
	prefix    string
	ping      func(ctx context.Context, c *goredis.Client) error

	client *Client
}

// New creates a redis dependency provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		configKey: DefaultConfigKey,
		ping: func(ctx context.Context, c *goredis.Client) error {
			return c.Ping(ctx).Err()
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Setup resolves the URL, opens the client and checks connectivity.
func (p *Provider) Setup(ctx context.Context, pc runtime.ProviderContext) error {
	url := p.url
	if url == "" && pc.Config != nil {
		if v, ok := pc.Config.Get(p.configKey); ok {
			url, _ = v.(string)
		}
	}
	if url == "" {
		return fmt.Errorf("redis: no connection url for service %s (config key %q)", pc.Service, p.configKey)
	}

	opts, err := goredis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)

	if p.ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
		err := p.ping(pingCtx, client)
		cancel()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
		}
	}

	prefix := p.prefix
	if prefix == "" {
		prefix = pc.Service
	}
	p.client = &Client{Client: client, prefix: prefix}
	if pc.Logger != nil {
		pc.Logger.Debug("Redis client ready", loggingpkg.LogFields{"service": pc.Service, "addr": opts.Addr, "db": opts.DB})
	}
	return nil
}

// Acquire hands the shared client to the worker.
func (p *Provider) Acquire(context.Context, runtime.WorkerInfo) (any, error) {
	if p.client == nil {
		return nil, fmt.Errorf("redis: provider not set up")
	}
	return p.client, nil
}

// Stop closes the client.
func (p *Provider) Stop(context.Context) error {
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
