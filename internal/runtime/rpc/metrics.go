package rpc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes reported by Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeFailed  = "failed"
)

// Metrics are the Prometheus collectors of an RPC client.
type Metrics struct {
	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	pending   prometheus.Gauge
	unmatched prometheus.Counter
}

// NewMetrics creates the client collectors and registers them with reg.
// Collectors already registered by another client are reused. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		calls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "svcflow",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls made by this process, by target and outcome",
		}, []string{"service", "method", "outcome"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "svcflow",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from publishing an RPC request until its call settled",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"})),
		pending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "svcflow",
			Subsystem: "rpc",
			Name:      "pending_calls",
			Help:      "RPC calls waiting for a reply",
		})),
		unmatched: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "svcflow",
			Subsystem: "rpc",
			Name:      "unmatched_replies_total",
			Help:      "Replies discarded because no pending call matched their correlation ID",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
