package runtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the runtime's Prometheus collectors.
type Metrics struct {
	slotsOccupied *prometheus.GaugeVec
	slotCapacity  *prometheus.GaugeVec
	invocations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	timerSkips    *prometheus.CounterVec
}

func newRuntimeGaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "svcflow",
		Subsystem: "worker",
		Name:      name,
		Help:      help,
	}, labels)
}

func newRuntimeCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svcflow",
		Subsystem: "worker",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates the runtime collectors and registers them with reg.
// Collectors that are already registered are reused; a nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		slotsOccupied: registerCollector(reg, newRuntimeGaugeVec("slots_occupied", "Worker slots currently held", "service")),
		slotCapacity:  registerCollector(reg, newRuntimeGaugeVec("slots_capacity", "Worker pool capacity", "service")),
		invocations: registerCollector(reg, newRuntimeCounterVec("invocations_total",
			"Entrypoint invocations by outcome", "service", "entrypoint", "kind", "outcome")),
		duration: registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "svcflow",
			Subsystem: "worker",
			Name:      "invocation_duration_seconds",
			Help:      "Time spent in entrypoint handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "entrypoint"})),
		timerSkips: registerCollector(reg, newRuntimeCounterVec("timer_skips_total",
			"Timer fires skipped because the worker pool was saturated", "service", "timer")),
	}
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) C {
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
