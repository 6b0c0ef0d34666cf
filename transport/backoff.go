package transport

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultReconnectInitial is the base delay of the reconnect schedule.
	DefaultReconnectInitial = time.Second
	// DefaultReconnectMax caps a single reconnect delay.
	DefaultReconnectMax = 30 * time.Second
)

// FullJitter is an exponential backoff whose every delay is drawn uniformly
// from [0, min(max, initial*2^attempt)).
type FullJitter struct {
	exp *backoff.ExponentialBackOff
}

var _ backoff.BackOff = (*FullJitter)(nil)

// NewFullJitter returns a FullJitter schedule. Non-positive arguments fall back
// to the defaults.
func NewFullJitter(initial, maxDelay time.Duration) *FullJitter {
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMax
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.Reset()
	return &FullJitter{exp: exp}
}

// NextBackOff returns the next jittered delay.
func (f *FullJitter) NextBackOff() time.Duration {
	ceiling := f.exp.NextBackOff()
	if ceiling == backoff.Stop {
		return backoff.Stop
	}
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling)
}

// Reset restarts the schedule from the initial delay.
func (f *FullJitter) Reset() {
	f.exp.Reset()
}

// Dial runs connect until it succeeds, attempts are exhausted or ctx ends,
// sleeping on a full jitter schedule between tries. attempts <= 0 retries
// until ctx is done.
func Dial[T any](ctx context.Context, connect func() (T, error), initial, maxDelay time.Duration, attempts int, notify func(error, time.Duration)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(NewFullJitter(initial, maxDelay)),
		backoff.WithMaxElapsedTime(0),
	}
	if attempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(attempts)))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, connect, opts...)
}
