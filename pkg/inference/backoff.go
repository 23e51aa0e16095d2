package inference

import (
	"sync"
	"time"
)

// Backoff exponential reconnect delay: initial * 2^failures, capped at max.
// A successful connect resets it.
type Backoff struct {
	mu       sync.Mutex
	initial  time.Duration
	max      time.Duration
	failures int
}

// NewBackoff creates a backoff with the given bounds
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max}
}

// Next returns the delay for the next attempt and records one more failure
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.delayLocked(b.failures)
	b.failures++
	return d
}

// Peek returns the delay Next would return without recording a failure
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayLocked(b.failures)
}

// Reset restores the initial delay
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failures consecutive failures recorded since the last reset
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Backoff) delayLocked(k int) time.Duration {
	d := b.initial
	for i := 0; i < k; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}
