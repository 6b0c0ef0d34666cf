package runtime

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/drblury/svcflow/transport"
)

// retryTracker counts failed attempts per delivery so requeued messages can
// be dead-lettered once their budget is spent. Entries expire so messages
// that never come back do not pin memory.
type retryTracker struct {
	mu       sync.Mutex
	cache    *ttlcache.Cache[string, int]
	stopOnce sync.Once
}

func newRetryTracker(ttl time.Duration) *retryTracker {
	cache := ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](ttl),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go cache.Start()
	return &retryTracker{cache: cache}
}

// Failed records a failed attempt and returns the number of failures so far.
func (r *retryTracker) Failed(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 1
	if item := r.cache.Get(key); item != nil {
		n = item.Value() + 1
	}
	r.cache.Set(key, n, ttlcache.DefaultTTL)
	return n
}

// Attempts returns the failures recorded for key.
func (r *retryTracker) Attempts(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item := r.cache.Get(key); item != nil {
		return item.Value()
	}
	return 0
}

func (r *retryTracker) Forget(key string) {
	r.cache.Delete(key)
}

func (r *retryTracker) Stop() {
	r.stopOnce.Do(r.cache.Stop)
}

// retryKey identifies a delivery across redeliveries.
func retryKey(d *transport.Delivery) string {
	if d.ID != "" {
		return d.Queue + "/" + d.ID
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(d.Topic))
	_, _ = h.Write(d.Payload)
	return d.Queue + "/#" + strconv.FormatUint(h.Sum64(), 16)
}
