// Package drip throttles outbound volume per channel.
//
// Each grant consumes one token that returns to its channel exactly one window
// (an hour by default) after it was taken, so the grants in any rolling window
// never exceed the channel's capacity no matter how many dispatches race.
package drip

import (
	"context"
	"sync"
	"time"

	"dripline/models"
)

// DefaultWindow is the refill period of a bucket.
const DefaultWindow = time.Hour

// Limiter authorizes a single dispatch on a channel. A denial is not an error.
type Limiter interface {
	TryAcquire(ctx context.Context, ch models.Channel) (bool, error)
}

// MemoryLimiter keeps the grant history of every channel in process.
type MemoryLimiter struct {
	mu       sync.Mutex
	capacity map[models.Channel]int
	window   time.Duration
	grants   map[models.Channel][]time.Time
	now      func() time.Time
}

// NewMemoryLimiter creates a limiter with the given per-window capacities.
// Channels with no or zero capacity are unlimited.
func NewMemoryLimiter(capacity map[models.Channel]int, window time.Duration, now func() time.Time) *MemoryLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	caps := make(map[models.Channel]int, len(capacity))
	for ch, n := range capacity {
		caps[ch] = n
	}
	return &MemoryLimiter{
		capacity: caps,
		window:   window,
		grants:   make(map[models.Channel][]time.Time),
		now:      now,
	}
}

func (l *MemoryLimiter) TryAcquire(ctx context.Context, ch models.Channel) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := l.capacity[ch]
	if capacity <= 0 {
		return true, nil
	}

	now := l.now()
	live := l.prune(ch, now)
	if len(live) >= capacity {
		return false, nil
	}
	l.grants[ch] = append(live, now)
	return true, nil
}

// Available returns the tokens left for ch right now, or -1 if unlimited.
func (l *MemoryLimiter) Available(ch models.Channel) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := l.capacity[ch]
	if capacity <= 0 {
		return -1
	}
	return capacity - len(l.prune(ch, l.now()))
}

// prune drops grants whose token has returned. Callers hold l.mu.
func (l *MemoryLimiter) prune(ch models.Channel, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	grants := l.grants[ch]
	i := 0
	for i < len(grants) && !grants[i].After(cutoff) {
		i++
	}
	grants = grants[i:]
	l.grants[ch] = grants
	return grants
}
