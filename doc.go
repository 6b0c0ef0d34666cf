// Package svcflow runs broker-backed microservices. A service declares RPC
// methods, event handlers and timers; the Container connects to the broker
// configured in Config (RabbitMQ, the in-memory channel broker, or one of the
// Watermill-backed transports: Kafka, NATS, AWS SNS/SQS, HTTP), binds a queue
// per entrypoint and runs every invocation on the service's bounded worker
// pool.
//
// A minimal setup fills Config, declares a Service, registers it with a
// Container and calls Run:
//
//	svc := svcflow.NewService("math", svcflow.WithCapacity(4)).
//		RPC("add", add).
//		Event("on_created", "users", "created", welcome).
//		Timer("report", time.Minute, report)
//
//	c, err := svcflow.NewContainer(cfg, svcflow.WithLogger(logger))
//	...
//	_ = c.Register(svc)
//	err = c.Run(ctx)
//
// # RPC
//
// Requests are published on rpc.<service>.<method> with a correlation ID and
// a reply address. The Container's RPC client matches replies to pending
// calls and enforces a timeout per call. Handlers return a result or an
// error; errors come back to the caller as a RemoteError carrying the error
// kind.
//
// # Events
//
// EventDispatcher publishes fire-and-forget events on evt.<source>.<type>.
// Event handlers pick a queue layout with WithHandlerType: ServicePool
// (default, instances compete), Singleton (one consumer system wide) or
// Broadcast (every instance receives every event).
//
// # Failure handling
//
// Malformed and unroutable messages are acknowledged and, for RPC, answered
// with an error envelope. Application errors are acknowledged. Errors wrapped
// with Infrastructure, or ErrRetry, requeue the message until MaxRetries is
// spent, after which it moves to the dead-letter topic.
//
// # Middleware and hooks
//
// The default chain adds correlation IDs, message logging, OpenTelemetry
// tracing, Prometheus metrics and panic recovery around every invocation.
// JobHooks provide OnJobStart, OnJobDone and OnJobError callbacks.
package svcflow
