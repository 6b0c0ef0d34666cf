package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	configpkg "github.com/drblury/svcflow/internal/runtime/config"
	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	"github.com/drblury/svcflow/internal/runtime/rpc"
	transportpkg "github.com/drblury/svcflow/internal/runtime/transport"
	"github.com/drblury/svcflow/transport"
)

type containerState int

const (
	stateIdle containerState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Container hosts services on one broker connection. Services are
// registered before Start; Stop drains their workers and disconnects.
type Container struct {
	cfg    *configpkg.Config
	logger loggingpkg.ServiceLogger

	broker     transport.Broker
	ownsBroker bool
	factory    transportpkg.Factory

	middlewares        []MiddlewareRegistration
	disableDefaults    bool
	hooks              JobHooks
	registerer         prometheus.Registerer
	metrics            *Metrics
	rpcMetrics         *rpc.Metrics
	dlq                *DLQMetrics
	retries            *retryTracker
	resources          *resourceSampler
	clientOwner        string
	providerSetupLimit int

	mu       sync.Mutex
	state    containerState
	services []*Service
	byName   map[string]*Service
	runtimes []*serviceRuntime
	client   *rpc.Client

	httpMu      sync.Mutex
	httpMuxes   map[int]*http.ServeMux
	httpServers []*http.Server
}

// Option customises a Container.
type Option func(*Container)

// WithBroker uses b instead of building one from the configuration. The
// container connects b if needed but leaves it connected on Stop.
func WithBroker(b transport.Broker) Option {
	return func(c *Container) {
		c.broker = b
	}
}

// WithLogger sets the container logger.
func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(c *Container) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTransportFactory overrides how the broker is built from the
// configuration.
func WithTransportFactory(f transportpkg.Factory) Option {
	return func(c *Container) {
		if f != nil {
			c.factory = f
		}
	}
}

// WithMiddlewares appends middlewares after the default chain.
func WithMiddlewares(regs ...MiddlewareRegistration) Option {
	return func(c *Container) {
		c.middlewares = append(c.middlewares, regs...)
	}
}

// WithoutDefaultMiddlewares skips DefaultMiddlewares.
func WithoutDefaultMiddlewares() Option {
	return func(c *Container) {
		c.disableDefaults = true
	}
}

// WithHooks installs job lifecycle hooks on every entrypoint.
func WithHooks(h JobHooks) Option {
	return func(c *Container) {
		c.hooks = c.hooks.Merge(h)
	}
}

// WithRegisterer registers the container's collectors with reg instead of
// the default Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Container) {
		c.registerer = reg
	}
}

// WithRPCOwner names the reply queue of the container's RPC client.
// Defaults to the first registered service.
func WithRPCOwner(owner string) Option {
	return func(c *Container) {
		c.clientOwner = owner
	}
}

// NewContainer validates cfg and creates a container. Zero config values
// are replaced by their defaults.
func NewContainer(cfg *configpkg.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	conf := cfg.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	c := &Container{
		cfg:                &conf,
		logger:             loggingpkg.NewNopLogger(),
		factory:            transportpkg.DefaultFactory(),
		registerer:         prometheus.DefaultRegisterer,
		byName:             make(map[string]*Service),
		httpMuxes:          make(map[int]*http.ServeMux),
		resources:          newResourceSampler(),
		providerSetupLimit: 8,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.ownsBroker = c.broker == nil
	c.metrics = NewMetrics(c.registerer)
	c.rpcMetrics = rpc.NewMetrics(c.registerer)
	c.dlq = NewDLQMetrics(c.registerer)
	c.retries = newRetryTracker(conf.RetryTrackerTTL)
	return c, nil
}

// Config returns the effective configuration.
func (c *Container) Config() *configpkg.Config { return c.cfg }

// Broker returns the broker, which is nil before Start unless one was
// supplied with WithBroker.
func (c *Container) Broker() transport.Broker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broker
}

// RPC returns the container's RPC client. It is nil before Start.
func (c *Container) RPC() *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Dispatcher returns an event dispatcher publishing as source.
func (c *Container) Dispatcher(source string) *EventDispatcher {
	return NewEventDispatcher(c.Broker(), source, c.logger)
}

// Register adds svc. Services can only be registered before Start and
// their names must be unique.
func (c *Container) Register(svc *Service) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if err := svc.Err(); err != nil {
		return fmt.Errorf("service %q: %w", svc.Name(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdle {
		return errspkg.ErrContainerStarted
	}
	if _, dup := c.byName[svc.Name()]; dup {
		return fmt.Errorf("%w: %q", errspkg.ErrDuplicateService, svc.Name())
	}
	svc.freeze()
	c.services = append(c.services, svc)
	c.byName[svc.Name()] = svc
	return nil
}

// Services returns the registered services in registration order.
func (c *Container) Services() []*Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Service, len(c.services))
	copy(out, c.services)
	return out
}

// Start connects the broker and starts every registered service. A broker
// that cannot be reached is fatal; whatever was started is torn down
// before the error is returned.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdle {
		return errspkg.ErrContainerStarted
	}

	if err := c.connect(ctx); err != nil {
		return err
	}

	owner := c.clientOwner
	if owner == "" && len(c.services) > 0 {
		owner = c.services[0].Name()
	}
	client := rpc.NewClient(c.broker,
		rpc.WithOwner(owner),
		rpc.WithDefaultTimeout(c.cfg.RPCTimeout),
		rpc.WithLogger(c.logger),
		rpc.WithMetrics(c.rpcMetrics),
	)
	if err := client.Start(ctx); err != nil {
		c.disconnect()
		return fmt.Errorf("start rpc client: %w", err)
	}
	c.client = client

	var regs []MiddlewareRegistration
	if !c.disableDefaults {
		regs = append(regs, DefaultMiddlewares()...)
	}
	if !c.hooks.empty() {
		regs = append(regs, JobHooksMiddleware(c.hooks))
	}
	regs = append(regs, c.middlewares...)
	regs = append(regs, RecovererMiddleware())
	mws, err := c.buildMiddlewares(regs)
	if err != nil {
		c.teardown()
		return err
	}

	for _, svc := range c.services {
		if err := c.startService(ctx, svc, mws); err != nil {
			c.teardown()
			return fmt.Errorf("start service %q: %w", svc.Name(), err)
		}
	}

	c.registerWebUI()
	c.startHTTPServers()
	c.state = stateRunning
	c.logger.Info("Container started", loggingpkg.LogFields{
		"services":  len(c.services),
		"transport": c.cfg.Transport,
	})
	return nil
}

func (c *Container) connect(ctx context.Context) error {
	if c.broker == nil {
		b, err := c.factory.Build(ctx, c.cfg, loggingpkg.NewWatermillAdapter(c.logger))
		if err != nil {
			return fmt.Errorf("build broker: %w", err)
		}
		c.broker = b
	}
	if c.broker.Connected() {
		return nil
	}
	if err := c.broker.Connect(ctx); err != nil {
		c.logger.Error("Failed to connect to broker", err, loggingpkg.LogFields{"transport": c.cfg.Transport})
		return errspkg.NewTransportError("connect", err)
	}
	return nil
}

func (c *Container) startService(ctx context.Context, svc *Service, mws []Middleware) error {
	capacity := svc.Capacity()
	if capacity == 0 {
		capacity = c.cfg.CapacityFor(svc.Name())
	}
	logger := c.logger.With(loggingpkg.LogFields{"service": svc.Name()})

	pool, err := NewWorkerPool(svc.Name(), capacity, c.limiterFor(svc), logger, c.metrics)
	if err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	rt := &serviceRuntime{
		svc:        svc,
		cfg:        c.cfg,
		broker:     c.broker,
		logger:     logger,
		pool:       pool,
		deps:       svc.dependencies(),
		chains:     make(map[string]handlerspkg.Handler),
		stats:      make(map[string]*EntrypointStats),
		metrics:    c.metrics,
		dlq:        c.dlq,
		retries:    c.retries,
		workCtx:    workCtx,
		cancelWork: cancelWork,
		inflight:   make(map[*transport.Delivery]struct{}),
	}
	c.runtimes = append(c.runtimes, rt)

	for _, ep := range svc.Entrypoints() {
		rt.chains[ep.Name] = chain(ep.Handler, mws)
		rt.stats[ep.Name] = newEntrypointStats()
	}

	if err := c.setupProviders(ctx, rt); err != nil {
		return err
	}

	hasRPC := false
	for _, ep := range svc.Entrypoints() {
		switch ep.Kind {
		case KindRPC:
			hasRPC = true
		case KindEvent:
			queue, broadcast := ep.queue()
			sub, err := c.broker.Subscribe(ctx, queue, EventTopic(ep.Source, ep.EventType), transport.SubscribeOptions{
				Prefetch:   capacity,
				Durable:    !broadcast,
				AutoDelete: broadcast,
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", queue, err)
			}
			rt.startConsumer(queue, ep, sub)
		}
	}
	if hasRPC {
		queue := rpc.RequestQueue(svc.Name())
		sub, err := c.broker.Subscribe(ctx, queue, rpc.RequestPattern(svc.Name()), transport.SubscribeOptions{
			Prefetch: capacity,
			Durable:  true,
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", queue, err)
		}
		rt.startConsumer(queue, nil, sub)
	}
	for _, ep := range svc.Entrypoints() {
		if ep.Kind == KindTimer {
			rt.startTimer(ep)
		}
	}

	logger.Info("Service started", loggingpkg.LogFields{
		"capacity":    capacity,
		"entrypoints": len(svc.Entrypoints()),
	})
	return nil
}

func (c *Container) limiterFor(svc *Service) *rate.Limiter {
	perSecond, burst := svc.rateLimit, svc.rateBurst
	if perSecond <= 0 {
		perSecond, burst = c.cfg.RateLimit, 0
	}
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}

func (c *Container) setupProviders(ctx context.Context, rt *serviceRuntime) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.providerSetupLimit)
	for _, dep := range rt.deps {
		g.Go(func() error {
			err := dep.provider.Setup(gctx, ProviderContext{
				Service: rt.svc.Name(),
				Config:  c.cfg,
				Logger:  rt.logger.With(loggingpkg.LogFields{"dependency": dep.name}),
				Broker:  c.broker,
				RPC:     c.client,
			})
			if err != nil {
				return fmt.Errorf("setup dependency %q: %w", dep.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Container) stopProviders(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range c.runtimes {
		for _, dep := range rt.deps {
			g.Go(func() error {
				if err := dep.provider.Stop(gctx); err != nil {
					return fmt.Errorf("stop dependency %s.%s: %w", rt.svc.Name(), dep.name, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// Stop stops consuming, waits up to drainTimeout for running workers and
// disconnects. Deliveries still held when the timeout passes are requeued
// and their handlers' contexts are cancelled. A drainTimeout <= 0 uses the
// configured drain timeout.
func (c *Container) Stop(ctx context.Context, drainTimeout time.Duration) error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return errspkg.ErrContainerNotStarted
	}
	c.state = stateStopping
	c.mu.Unlock()

	if drainTimeout <= 0 {
		drainTimeout = c.cfg.DrainTimeout
	}

	for _, rt := range c.runtimes {
		for _, t := range rt.timers {
			t.stop()
		}
		for _, cons := range rt.consumers {
			cons.stop()
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for _, rt := range c.runtimes {
		if err := rt.pool.Wait(drainCtx); err != nil {
			n := rt.requeueInflight()
			rt.logger.Info("Drain timed out, requeued unfinished deliveries", loggingpkg.LogFields{
				"requeued": n,
				"occupied": rt.pool.Occupied(),
			})
		}
		rt.cancelWork()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.teardownLocked(ctx)
	c.state = stateStopped
	c.logger.Info("Container stopped", nil)
	return err
}

// teardown releases everything a failed Start acquired. Called with c.mu
// held; the container cannot be started again.
func (c *Container) teardown() {
	if err := c.teardownLocked(context.Background()); err != nil {
		c.logger.Error("Teardown after failed start", err, nil)
	}
	c.state = stateStopped
}

func (c *Container) teardownLocked(ctx context.Context) error {
	var errs []error
	for _, rt := range c.runtimes {
		for _, t := range rt.timers {
			t.stop()
		}
		for _, cons := range rt.consumers {
			cons.stop()
			if err := cons.sub.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", cons.queue, err))
			}
		}
		rt.cancelWork()
	}
	if c.client != nil {
		if err := c.client.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.stopProviders(ctx); err != nil {
		errs = append(errs, err)
	}
	c.stopHTTPServers(ctx)
	c.retries.Stop()
	c.disconnect()
	return errors.Join(errs...)
}

func (c *Container) disconnect() {
	if !c.ownsBroker || c.broker == nil {
		return
	}
	if err := c.broker.Disconnect(context.Background()); err != nil {
		c.logger.Error("Failed to disconnect broker", err, nil)
	}
}

// Run starts the container and stops it once ctx is cancelled.
func (c *Container) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop(context.Background(), 0)
}

// Submit hands d to entrypoint of service as if it had been consumed from
// the broker. It blocks until a worker slot is free. RPC deliveries carry
// a request body; local deliveries are never requeued.
func (c *Container) Submit(ctx context.Context, service, entrypoint string, d *transport.Delivery) error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return errspkg.ErrContainerNotStarted
	}
	var rt *serviceRuntime
	for _, candidate := range c.runtimes {
		if candidate.svc.Name() == service {
			rt = candidate
			break
		}
	}
	c.mu.Unlock()

	if rt == nil {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownService, service)
	}
	ep, ok := rt.svc.Entrypoint(entrypoint)
	if !ok {
		return fmt.Errorf("%w: %s.%s", errspkg.ErrUnknownEntrypoint, service, entrypoint)
	}
	if err := rt.pool.Acquire(ctx); err != nil {
		return err
	}

	// Stop moves the state under c.mu before draining, so a worker started
	// while the lock is held is always counted by the drain.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning {
		rt.pool.Release()
		return errspkg.ErrContainerNotStarted
	}
	rt.track(d)
	rt.pool.Go(func() { rt.run(ep, d) })
	return nil
}

// Stats returns a snapshot of every started service.
func (c *Container) Stats() []ServiceStats {
	c.mu.Lock()
	runtimes := make([]*serviceRuntime, len(c.runtimes))
	copy(runtimes, c.runtimes)
	c.mu.Unlock()

	resource := c.resources.Snapshot()
	out := make([]ServiceStats, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, rt.snapshot(resource))
	}
	return out
}

// DeadLetters returns the dead-letter counts recorded by this container.
func (c *Container) DeadLetters() DLQMetricsSnapshot {
	return c.dlq.GetSnapshot()
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port.
// Servers start with the container.
func (c *Container) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	c.httpMu.Lock()
	defer c.httpMu.Unlock()

	mux, ok := c.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		c.httpMuxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (c *Container) startHTTPServers() {
	c.httpMu.Lock()
	defer c.httpMu.Unlock()

	for port, mux := range c.httpMuxes {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		c.httpServers = append(c.httpServers, srv)
		c.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (c *Container) stopHTTPServers(ctx context.Context) {
	c.httpMu.Lock()
	servers := c.httpServers
	c.httpServers = nil
	c.httpMu.Unlock()

	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Failed to shut down HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
		cancel()
	}
}

func (c *Container) metricsHandler() http.Handler {
	if g, ok := c.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
