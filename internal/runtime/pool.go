package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
)

// WorkerPool bounds the number of concurrent workers of one service. A slot
// is taken before a worker starts and given back on every exit path.
type WorkerPool struct {
	service  string
	capacity int
	slots    chan struct{}
	limiter  *rate.Limiter
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics

	occupied atomic.Int64
	peak     atomic.Int64
	running  sync.WaitGroup
}

// NewWorkerPool creates a pool with capacity slots. A nil limiter disables
// rate limiting.
func NewWorkerPool(service string, capacity int, limiter *rate.Limiter, logger loggingpkg.ServiceLogger, metrics *Metrics) (*WorkerPool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %s has %d", errspkg.ErrInvalidCapacity, service, capacity)
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	p := &WorkerPool{
		service:  service,
		capacity: capacity,
		slots:    make(chan struct{}, capacity),
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
	}
	if metrics != nil {
		metrics.slotCapacity.WithLabelValues(service).Set(float64(capacity))
	}
	return p, nil
}

// Capacity returns the number of slots.
func (p *WorkerPool) Capacity() int { return p.capacity }

// Occupied returns the number of slots currently held.
func (p *WorkerPool) Occupied() int { return int(p.occupied.Load()) }

// Peak returns the highest number of slots ever held at once.
func (p *WorkerPool) Peak() int { return int(p.peak.Load()) }

// Acquire blocks until a slot is free or ctx ends.
func (p *WorkerPool) Acquire(ctx context.Context) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case p.slots <- struct{}{}:
		p.taken()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free right now.
func (p *WorkerPool) TryAcquire() bool {
	if p.limiter != nil && !p.limiter.Allow() {
		return false
	}
	select {
	case p.slots <- struct{}{}:
		p.taken()
		return true
	default:
		return false
	}
}

// Release gives a slot back.
func (p *WorkerPool) Release() {
	n := p.occupied.Add(-1)
	if p.metrics != nil {
		p.metrics.slotsOccupied.WithLabelValues(p.service).Set(float64(n))
	}
	<-p.slots
}

// Go runs fn on a slot the caller already holds. The slot is released when
// fn returns or panics.
func (p *WorkerPool) Go(fn func()) {
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer p.Release()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Worker crashed", &errspkg.PanicError{Value: r, Stack: string(debug.Stack())}, loggingpkg.LogFields{
					"service": p.service,
				})
			}
		}()
		fn()
	}()
}

// Wait blocks until every worker started with Go has returned or ctx ends.
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) taken() {
	n := p.occupied.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.metrics != nil {
		p.metrics.slotsOccupied.WithLabelValues(p.service).Set(float64(n))
	}
}
