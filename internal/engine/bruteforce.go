package engine

import (
	"sync"
	"time"
)

// bruteTracker keeps sliding failure windows keyed by an opaque identifier
// (typically account+IP). A success clears the whole window; failures at or
// past the threshold keep firing until a success resets the key.
type bruteTracker struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newBruteTracker() *bruteTracker {
	return &bruteTracker{failures: make(map[string][]time.Time)}
}

// recordFailure appends a failure and returns the in-window count.
func (b *bruteTracker) recordFailure(key string, at time.Time, window time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := at.Add(-window)
	kept := b.failures[key][:0]
	for _, t := range b.failures[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	b.failures[key] = kept
	return len(kept)
}

// recordSuccess clears the failure window entirely.
func (b *bruteTracker) recordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, key)
}

// prune drops keys whose newest failure fell out of the window.
func (b *bruteTracker) prune(now time.Time, window time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-window)
	dropped := 0
	for key, times := range b.failures {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(b.failures, key)
			dropped++
		}
	}
	return dropped
}
