package runtime

import (
	"context"
	"fmt"

	configpkg "github.com/drblury/svcflow/internal/runtime/config"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
	"github.com/drblury/svcflow/internal/runtime/rpc"
	"github.com/drblury/svcflow/transport"
)

// WorkerInfo identifies the worker a dependency is acquired for.
type WorkerInfo struct {
	Service    string
	Entrypoint string
	CallID     string
	// Headers are the headers outgoing messages of this worker carry,
	// including the call stack ending with CallID.
	Headers metadatapkg.Metadata
}

// ProviderContext is handed to providers once at container start.
type ProviderContext struct {
	Service string
	Config  configpkg.Provider
	Logger  loggingpkg.ServiceLogger
	Broker  transport.Broker
	RPC     *rpc.Client
}

// Provider supplies a named dependency to workers. Setup runs once at
// start, Acquire before every invocation, Release after it and Stop at
// teardown. Values returned by Acquire belong to a single worker.
type Provider interface {
	Setup(ctx context.Context, pc ProviderContext) error
	Acquire(ctx context.Context, w WorkerInfo) (any, error)
	Release(w WorkerInfo, value any, err error)
	Stop(ctx context.Context) error
}

// BaseProvider implements the optional Provider methods as no-ops.
type BaseProvider struct{}

func (BaseProvider) Setup(context.Context, ProviderContext) error { return nil }
func (BaseProvider) Release(WorkerInfo, any, error)               {}
func (BaseProvider) Stop(context.Context) error                   { return nil }

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context, w WorkerInfo) (any, error)

func (ProviderFunc) Setup(context.Context, ProviderContext) error { return nil }
func (f ProviderFunc) Acquire(ctx context.Context, w WorkerInfo) (any, error) {
	return f(ctx, w)
}
func (ProviderFunc) Release(WorkerInfo, any, error) {}
func (ProviderFunc) Stop(context.Context) error     { return nil }

// Static injects the same value into every worker. The value must be safe
// for concurrent use.
func Static(value any) Provider {
	return ProviderFunc(func(context.Context, WorkerInfo) (any, error) {
		return value, nil
	})
}

type configValueProvider struct {
	BaseProvider
	key    string
	config configpkg.Provider
}

// ConfigValue injects the configuration value at key, or nil when unset.
func ConfigValue(key string) Provider {
	return &configValueProvider{key: key}
}

func (p *configValueProvider) Setup(_ context.Context, pc ProviderContext) error {
	if pc.Config == nil {
		return fmt.Errorf("config value %q: no configuration provider", p.key)
	}
	p.config = pc.Config
	return nil
}

func (p *configValueProvider) Acquire(context.Context, WorkerInfo) (any, error) {
	v, _ := p.config.Get(p.key)
	return v, nil
}

type dispatcherProvider struct {
	BaseProvider
	dispatcher *EventDispatcher
}

// EventDispatcherProvider injects an *EventDispatcher publishing events of
// the owning service. Dispatched events carry the worker's call stack.
func EventDispatcherProvider() Provider {
	return &dispatcherProvider{}
}

func (p *dispatcherProvider) Setup(_ context.Context, pc ProviderContext) error {
	p.dispatcher = NewEventDispatcher(pc.Broker, pc.Service, pc.Logger)
	return nil
}

func (p *dispatcherProvider) Acquire(_ context.Context, w WorkerInfo) (any, error) {
	return p.dispatcher.WithHeaders(w.Headers), nil
}

type proxyProvider struct {
	BaseProvider
	target string
	proxy  *rpc.Proxy
}

// RPCProxy injects an *rpc.Proxy calling service target. Calls carry the
// worker's call stack.
func RPCProxy(target string) Provider {
	return &proxyProvider{target: target}
}

func (p *proxyProvider) Setup(_ context.Context, pc ProviderContext) error {
	if pc.RPC == nil {
		return fmt.Errorf("rpc proxy %q: no rpc client", p.target)
	}
	p.proxy = rpc.NewProxy(pc.RPC, p.target)
	return nil
}

func (p *proxyProvider) Acquire(_ context.Context, w WorkerInfo) (any, error) {
	return p.proxy.WithHeaders(w.Headers), nil
}
