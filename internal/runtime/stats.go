package runtime

import (
	"math"
	"runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ServiceStats is the web UI view of one service.
type ServiceStats struct {
	Name        string           `json:"name"`
	Capacity    int              `json:"capacity"`
	Occupied    int              `json:"occupied"`
	Peak        int              `json:"peak"`
	Entrypoints []EntrypointInfo `json:"entrypoints"`
	Resource    ResourceUsage    `json:"resource"`
}

// EntrypointInfo describes an entrypoint and its counters.
type EntrypointInfo struct {
	Name    string           `json:"name"`
	Kind    string           `json:"kind"`
	Binding string           `json:"binding"`
	Stats   *EntrypointStats `json:"stats"`
}

// EntrypointStats accumulates invocation counters of one entrypoint.
type EntrypointStats struct {
	mu sync.Mutex

	Invocations         uint64    `json:"invocations"`
	Failures            uint64    `json:"failures"`
	Requeued            uint64    `json:"requeued"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latency    *latencyWindow
	throughput *throughputWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by envelope kind.
type ErrorBreakdown struct {
	Decode         uint64 `json:"decode"`
	Routing        uint64 `json:"routing"`
	Application    uint64 `json:"application"`
	Infrastructure uint64 `json:"infrastructure"`
	Panic          uint64 `json:"panic"`
	DeadLettered   uint64 `json:"dead_lettered"`
	LastError      string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

func newEntrypointStats() *EntrypointStats {
	return &EntrypointStats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: &throughputWindow{horizon: throughputWindowSize},
	}
}

func (s *EntrypointStats) started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InFlight++
	s.MaxInFlight = max(s.MaxInFlight, s.InFlight)
}

func (s *EntrypointStats) finished(d time.Duration, err error, outcome errspkg.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}
	now := time.Now().UTC()
	s.Invocations++
	s.TotalProcessingTime += int64(d)
	s.LastInvokedAt = now

	s.latency.Add(d)
	s.Latency = s.latency.Snapshot()
	s.Latency.AverageNs = s.TotalProcessingTime / int64(s.Invocations)

	count, window := s.throughput.Add(now)
	s.Throughput = ThroughputMetrics{MessagesInWindow: uint64(count), WindowSeconds: window.Seconds()}
	if window > 0 {
		s.Throughput.CurrentRPS = float64(count) / window.Seconds()
	}

	if outcome == errspkg.OutcomeRequeue {
		s.Requeued++
	}
	if err == nil {
		return
	}
	s.Failures++
	s.Errors.record(err, outcome)
}

// MarshalJSON snapshots the counters under the stats lock.
func (s *EntrypointStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type alias EntrypointStats
	return jsoncodec.Marshal((*alias)(s))
}

func (e *ErrorBreakdown) record(err error, outcome errspkg.Outcome) {
	e.LastError = err.Error()
	if outcome == errspkg.OutcomeDeadLetter {
		e.DeadLettered++
		return
	}
	switch errspkg.KindOf(err) {
	case errspkg.KindDecode:
		e.Decode++
	case errspkg.KindRouting:
		e.Routing++
	case errspkg.KindPanic:
		e.Panic++
	case errspkg.KindInfrastructure, errspkg.KindTransport, errspkg.KindTimeout:
		e.Infrastructure++
	default:
		e.Application++
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	lw.filled = min(lw.filled+1, len(lw.samples))
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last, SampleSize: lw.filled}
	if lw.filled == 0 {
		return m
	}
	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

// Add records an event at now and returns the events within the horizon
// and the span they cover.
func (tw *throughputWindow) Add(now time.Time) (int, time.Duration) {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	drop := 0
	for drop < len(tw.samples) && tw.samples[drop].Before(cutoff) {
		drop++
	}
	tw.samples = slices.Delete(tw.samples, 0, drop)
	return len(tw.samples), now.Sub(tw.samples[0])
}

// resourceSampler reports process CPU and memory use between calls.
type resourceSampler struct {
	mu       sync.Mutex
	sample   []metrics.Sample
	lastCPU  float64
	lastAt   time.Time
	cpuCount float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		sample:   []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}},
		cpuCount: float64(runtime.NumCPU()),
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.sample)
	now := time.Now()
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	if v := r.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !r.lastAt.IsZero() {
			if wall := now.Sub(r.lastAt).Seconds(); wall > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.cpuCount * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastAt = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
