// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff yields base * 2^attempt, capped at max, optionally spread by
// ±jitter. It is not safe for concurrent use.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

// New returns a Backoff. jitter is a fraction: 0.1 means ±10%.
func New(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{base: base, max: max, jitter: jitter}
}

// Reconnect is the price stream policy: 1s doubling to 30s, no jitter.
func Reconnect() *Backoff {
	return New(time.Second, 30*time.Second, 0)
}

// Restart is the supervisor policy: 1s doubling to 60s, ±10%.
func Restart() *Backoff {
	return New(time.Second, 60*time.Second, 0.1)
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	delay := b.base
	for i := 0; i < b.attempt && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}

	if b.jitter > 0 {
		factor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * factor)
	}

	b.attempt++
	return delay
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Sleep waits for d or until ctx is done, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
