/*
Package runtime hosts broker-backed services: it consumes RPC requests and
events from a transport.Broker, runs them on a bounded worker pool per
service and settles every delivery exactly once.

# Architecture Overview

A Container owns one broker connection. Services are declared with
NewService and registered before Start. Each declared entrypoint is one of

  - RPC: served from the durable queue rpc-<service>, bound to
    rpc.<service>.*. Every request gets exactly one reply envelope.
  - Event: served from a queue bound to evt.<source>.<type>. The queue
    layout follows the entrypoint's HandlerType.
  - Timer: fired locally every interval, skipped while the pool is full.

# Package Structure

## Container (container.go)

Builds and connects the broker, starts the RPC client, sets up dependency
providers and starts one dispatch loop per subscription. Stop stops
consuming, drains the pools and requeues what could not finish.

## Worker Pool (pool.go, dispatch.go, worker.go)

The pool holds one slot per running worker. Dispatch loops acquire a slot
before handing a delivery to a worker, so a full pool stops consumption.
Workers decode the call, acquire dependencies, run the middleware chain and
then ack, requeue or dead-letter the delivery according to errors.Classify.

## Middleware (middleware.go, hooks.go)

Handlers are wrapped in a chain of Middleware values:
  - CorrelationID: scopes the invocation logger
  - Tracer: OpenTelemetry consumer span continuing the caller's trace
  - LogMessages: debug logging of calls
  - Metrics: Prometheus durations and the /metrics endpoint
  - JobHooks: user lifecycle callbacks
  - Retry: optional in-process retries
  - Recoverer: panic recovery, always innermost

## Stats & Monitoring (stats.go, metrics.go, dlq_metrics.go, webui.go)

Per-entrypoint counters, latency percentiles, throughput and error
categories, exposed on /api/services when the web UI is enabled.

# Sub-packages

  - config/: container configuration, YAML loading and validation
  - errors/: sentinel errors and the error taxonomy
  - handlers/: the Invocation and typed JSON/protobuf handler adapters
  - ids/: ULID and UUID generation
  - jsoncodec/: sonic-backed JSON codec
  - logging/: logger interface and adapters
  - metadata/: message header helpers
  - rpc/: RPC client, pending calls and wire envelopes
  - transport/: broker factory

# Usage Example

	svc := runtime.NewService("math", runtime.WithCapacity(4)).
		RPC("add", func(ctx context.Context, inv *handlers.Invocation) (any, error) {
			var a, b int
			if err := inv.Arg(0, &a); err != nil {
				return nil, err
			}
			if err := inv.Arg(1, &b); err != nil {
				return nil, err
			}
			return a + b, nil
		})

	c, err := runtime.NewContainer(cfg, runtime.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := c.Register(svc); err != nil {
		return err
	}
	return c.Run(ctx)
*/
package runtime
