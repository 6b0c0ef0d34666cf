package rpc

import (
	"context"

	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
)

// Proxy calls the methods of one remote service. Workers receive a Proxy
// whose headers carry their call stack.
type Proxy struct {
	client  *Client
	service string
	headers metadatapkg.Metadata
}

// NewProxy binds client to service.
func NewProxy(client *Client, service string) *Proxy {
	return &Proxy{client: client, service: service}
}

// Service is the target service name.
func (p *Proxy) Service() string { return p.service }

// WithHeaders returns a copy of p sending md with every call.
func (p *Proxy) WithHeaders(md metadatapkg.Metadata) *Proxy {
	return &Proxy{client: p.client, service: p.service, headers: p.headers.WithAll(md)}
}

// Call invokes method with positional arguments and waits for the reply.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (jsoncodec.RawMessage, error) {
	return p.client.Call(ctx, p.service, method, args, nil, WithHeaders(p.headers))
}

// CallKwargs invokes method with keyword arguments and waits for the reply.
func (p *Proxy) CallKwargs(ctx context.Context, method string, kwargs map[string]any) (jsoncodec.RawMessage, error) {
	return p.client.Call(ctx, p.service, method, nil, kwargs, WithHeaders(p.headers))
}

// CallAsync invokes method without waiting. Collect the result with Wait.
func (p *Proxy) CallAsync(ctx context.Context, method string, args []any, kwargs map[string]any, opts ...CallOption) (*PendingCall, error) {
	opts = append([]CallOption{WithHeaders(p.headers)}, opts...)
	return p.client.CallAsync(ctx, p.service, method, args, kwargs, opts...)
}
