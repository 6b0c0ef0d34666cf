package runtime

import (
	"context"
	"time"

	handlerspkg "github.com/drblury/svcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
)

// JobContext describes one invocation to hooks.
type JobContext struct {
	Service       string
	Entrypoint    string
	Kind          EntrypointKind
	CallID        string
	CorrelationID string
	// Topic is the topic the message was published on. Empty for timers.
	Topic    string
	Metadata metadatapkg.Metadata
	Context  context.Context

	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// Attempts is the number of earlier failed attempts of this message.
	Attempts int
}

// JobHooks defines callbacks for the invocation lifecycle. Nil hooks are
// not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first and other second.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every invocation.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) Middleware {
	return func(h handlerspkg.Handler) handlerspkg.Handler {
		return func(ctx context.Context, inv *handlerspkg.Invocation) (any, error) {
			job := JobContext{
				Service:       inv.Service,
				Entrypoint:    inv.Entrypoint,
				CallID:        inv.CallID,
				CorrelationID: inv.CorrelationID(),
				Metadata:      inv.Metadata,
				Context:       ctx,
				StartedAt:     time.Now(),
			}
			if st, ok := invocationStateFrom(ctx); ok {
				job.Kind = st.entrypoint.Kind
				job.Attempts = st.attempts
				if st.delivery != nil && st.entrypoint.Kind != KindTimer {
					job.Topic = st.delivery.Topic
				}
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}
			result, err := h(ctx, inv)
			job.Duration = time.Since(job.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return result, err
		}
	}
}

// LoggingHooks logs the invocation lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"entrypoint": ctx.Service + "." + ctx.Entrypoint,
				"call_id":    ctx.CallID,
				"attempts":   ctx.Attempts,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"entrypoint":  ctx.Service + "." + ctx.Entrypoint,
				"call_id":     ctx.CallID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"entrypoint":  ctx.Service + "." + ctx.Entrypoint,
				"call_id":     ctx.CallID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempts":    ctx.Attempts,
			})
		},
	}
}

// MetricsHooks forwards lifecycle events to plain counters keyed by service
// and entrypoint.
func MetricsHooks(onStart, onDone, onError func(service, entrypoint string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Service, ctx.Entrypoint)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Service, ctx.Entrypoint)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.Service, ctx.Entrypoint)
			}
		},
	}
}

// AlertingHooks calls alert for every failed invocation.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}
