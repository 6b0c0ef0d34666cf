package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
)

// Middleware wraps an entrypoint handler.
type Middleware func(handlerspkg.Handler) handlerspkg.Handler

// MiddlewareBuilder constructs a middleware using the container it runs in.
// Returning a nil Middleware skips the registration.
type MiddlewareBuilder func(*Container) (Middleware, error)

// MiddlewareRegistration captures how a middleware is added to every
// entrypoint's handler chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the in-process retry middleware.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides which errors are retried. Defaults to errors that
	// would requeue the delivery.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool {
			return errspkg.Classify(err) == errspkg.OutcomeRequeue
		}
	}
	return cfg
}

// DefaultMiddlewares returns the standard chain, outermost first. Hooks and
// custom middlewares run inside it; the recoverer is always innermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		LogMessagesMiddleware(nil),
		MetricsMiddleware(),
	}
}

// CorrelationIDMiddleware scopes the invocation logger with the correlation
// ID of the message.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h handlerspkg.Handler) handlerspkg.Handler {
			return func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
				if id := inv.CorrelationID(); id != "" && inv.Logger != nil {
					inv.Logger = inv.Logger.With(loggingpkg.LogFields{"correlation_id": id})
				}
				return h(ctx, inv)
			}
		},
	}
}

// LogMessagesMiddleware logs every invocation with its arguments and
// headers at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(c *Container) (Middleware, error) {
			l := logger
			if l == nil {
				l = c.logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessages(l), nil
		},
	}
}

func logMessages(logger loggingpkg.ServiceLogger) Middleware {
	return func(h handlerspkg.Handler) handlerspkg.Handler {
		return func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
			src, _ := inv.Source()
			logger.Debug("Processing message", loggingpkg.LogFields{
				"service":    inv.Service,
				"entrypoint": inv.Entrypoint,
				"call_id":    inv.CallID,
				"payload":    string(src),
				"metadata":   inv.Metadata,
			})
			return h(ctx, inv)
		}
	}
}

// TracerMiddleware runs each invocation in a consumer span that continues
// the trace found in the message headers.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h handlerspkg.Handler) handlerspkg.Handler {
			tracer := otel.Tracer("github.com/drblury/svcflow/worker")
			return func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
				ctx = otel.GetTextMapPropagator().Extract(ctx, inv.Metadata)
				ctx, span := tracer.Start(ctx, inv.Service+"."+inv.Entrypoint,
					trace.WithSpanKind(trace.SpanKindConsumer),
					trace.WithAttributes(
						attribute.String("svcflow.call_id", inv.CallID),
						attribute.String("svcflow.correlation_id", inv.CorrelationID()),
					),
				)
				defer span.End()

				result, err := h(ctx, inv)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, errspkg.KindOf(err))
				}
				return result, err
			}
		},
	}
}

// MetricsMiddleware observes handler durations and exposes /metrics on the
// configured port. It is skipped unless metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(c *Container) (Middleware, error) {
			if !c.cfg.MetricsEnabled {
				return nil, nil
			}
			if c.cfg.MetricsPort > 0 {
				c.RegisterHTTPHandler(c.cfg.MetricsPort, "/metrics", c.metricsHandler())
			}
			duration := c.metrics.duration
			return func(h handlerspkg.Handler) handlerspkg.Handler {
				return func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
					started := time.Now()
					defer func() {
						duration.WithLabelValues(inv.Service, inv.Entrypoint).Observe(time.Since(started).Seconds())
					}()
					return h(ctx, inv)
				}
			}, nil
		},
	}
}

// RetryMiddleware retries failing invocations in process on an exponential
// schedule before the delivery is requeued.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: func(h handlerspkg.Handler) handlerspkg.Handler {
			return func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
				exp := backoff.NewExponentialBackOff()
				exp.InitialInterval = normalized.InitialInterval
				exp.MaxInterval = normalized.MaxInterval

				return backoff.Retry(ctx, func() (any, error) {
					result, err := h(ctx, inv)
					if err != nil && !normalized.RetryIf(err) {
						return result, backoff.Permanent(err)
					}
					return result, err
				},
					backoff.WithBackOff(exp),
					backoff.WithMaxTries(uint(normalized.MaxRetries+1)),
					backoff.WithMaxElapsedTime(0),
				)
			}
		},
	}
}

// RecovererMiddleware turns a handler panic into a PanicError, which is
// acknowledged and reported to RPC callers.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(h handlerspkg.Handler) handlerspkg.Handler {
			return func(ctx context.Context, inv *handlerspkg.Invocation) (result any, err error) {
				defer func() {
					if p := recover(); p != nil {
						result, err = nil, &errspkg.PanicError{Value: p, Stack: string(debug.Stack())}
					}
				}()
				return h(ctx, inv)
			}
		},
	}
}

// buildMiddlewares resolves the registrations against c.
func (c *Container) buildMiddlewares(regs []MiddlewareRegistration) ([]Middleware, error) {
	out := make([]Middleware, 0, len(regs))
	for _, reg := range regs {
		name := reg.Name
		if name == "" {
			name = "anonymous_middleware"
		}
		var mw Middleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(c)
			if err != nil {
				return nil, fmt.Errorf("middleware %s: %w", name, err)
			}
		default:
			return nil, fmt.Errorf("middleware %s: registration requires Middleware or Builder", name)
		}
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out, nil
}

// chain wraps h so that mws[0] is the outermost middleware.
func chain(h handlerspkg.Handler, mws []Middleware) handlerspkg.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
