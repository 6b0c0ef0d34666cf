package runtime

import (
	"context"
	"sync"

	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	"github.com/drblury/svcflow/transport"
)

// consumer is the dispatch loop of one subscription. It takes a worker slot
// before it pulls the next delivery's work off the loop, so a saturated pool
// stops consumption.
type consumer struct {
	queue string
	// entrypoint is nil for the RPC queue, which serves every method.
	entrypoint *Entrypoint
	sub        transport.Subscription

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (r *serviceRuntime) startConsumer(queue string, ep *Entrypoint, sub transport.Subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		queue:      queue,
		entrypoint: ep,
		sub:        sub,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	r.consumers = append(r.consumers, c)
	go r.consume(ctx, c)
}

func (r *serviceRuntime) consume(ctx context.Context, c *consumer) {
	defer close(c.done)
	logger := r.logger.With(loggingpkg.LogFields{"queue": c.queue})
	messages := c.sub.Messages()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-messages:
			if !ok {
				logger.Debug("Subscription closed", nil)
				return
			}
			if err := r.pool.Acquire(ctx); err != nil {
				if rerr := d.Reject(true); rerr != nil {
					logger.Error("Failed to requeue message", rerr, loggingpkg.LogFields{"message_id": d.ID})
				}
				return
			}
			r.track(d)
			r.pool.Go(func() { r.run(c.entrypoint, d) })
		}
	}
}

// stop ends the loop without closing the subscription, so deliveries held
// by running workers can still be settled.
func (c *consumer) stop() {
	c.stopOnce.Do(c.cancel)
	<-c.done
}
