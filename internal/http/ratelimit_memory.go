package httpx

import (
	"context"
	"sync"
	"time"
)

const memorySweepInterval = 5 * time.Minute

type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]memoryBucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type memoryBucket struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter returns a limiter whose counters live in this process.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		buckets: make(map[string]memoryBucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	_, reset := windowBounds(rl.now(), window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	bucket := rl.buckets[key]
	if !bucket.reset.Equal(reset) {
		bucket = memoryBucket{reset: reset}
	}
	if bucket.count >= limit {
		return rateDecision{allowed: false, remaining: 0, reset: reset}
	}
	bucket.count++
	rl.buckets[key] = bucket
	return decide(bucket.count, limit, reset)
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops buckets whose window has closed.
func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, bucket := range rl.buckets {
		if !now.Before(bucket.reset) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}
