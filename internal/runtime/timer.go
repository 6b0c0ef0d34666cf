package runtime

import (
	"sync"
	"time"

	idspkg "github.com/drblury/svcflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	"github.com/drblury/svcflow/transport"
)

// timer fires a timer entrypoint every Interval, measured from the start of
// the previous fire. A fire that finds the pool saturated is skipped, never
// queued, so a slow handler cannot cause a burst.
type timer struct {
	rt *serviceRuntime
	ep *Entrypoint

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (r *serviceRuntime) startTimer(ep *Entrypoint) {
	t := &timer{
		rt:   r,
		ep:   ep,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.timers = append(r.timers, t)
	go t.run()
}

func (t *timer) run() {
	defer close(t.done)

	wait := t.ep.Interval
	if t.ep.Eager {
		wait = 0
	}
	tick := time.NewTimer(wait)
	defer tick.Stop()

	for {
		select {
		case <-t.quit:
			return
		case <-tick.C:
		}
		started := time.Now()
		t.fire()
		tick.Reset(max(t.ep.Interval-time.Since(started), 0))
	}
}

func (t *timer) fire() {
	r := t.rt
	if !r.pool.TryAcquire() {
		if r.metrics != nil {
			r.metrics.timerSkips.WithLabelValues(r.svc.Name(), t.ep.Name).Inc()
		}
		r.logger.Debug("Skipping timer fire, worker pool saturated", loggingpkg.LogFields{
			"entrypoint": t.ep.ID(),
			"occupied":   r.pool.Occupied(),
		})
		return
	}
	d := transport.NewLocalDelivery(transport.Message{
		ID:    idspkg.NewULID(),
		Topic: "timer." + t.ep.ID(),
	})
	r.track(d)
	r.pool.Go(func() { r.run(t.ep, d) })
}

// stop prevents further fires. A fire already running completes on its own.
func (t *timer) stop() {
	t.stopOnce.Do(func() { close(t.quit) })
	<-t.done
}
