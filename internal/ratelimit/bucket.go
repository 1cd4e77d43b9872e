package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketLimiter maintains one token bucket per key (socket id). It is used
// for cursor and typing events where excess traffic is simply dropped:
// events refill at r per second with a burst of b. Idle buckets are removed
// by a background sweep so disconnected sockets do not leak.
type BucketLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	b       int
	done    chan struct{}
}

// NewBucketLimiter creates a BucketLimiter allowing r events per second with
// burst b, and starts the idle-bucket sweeper.
func NewBucketLimiter(r rate.Limit, b int) *BucketLimiter {
	l := &BucketLimiter{
		buckets: make(map[string]*rate.Limiter),
		r:       r,
		b:       b,
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether an event for key may proceed now, consuming a token
// if so. The bucket for a new key starts full.
func (l *BucketLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Forget drops the bucket for a key immediately. Called on disconnect so the
// sweeper does not have to wait for the bucket to refill.
func (l *BucketLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Close stops the background sweeper.
func (l *BucketLimiter) Close() {
	close(l.done)
}

func (l *BucketLimiter) get(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.buckets[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.r, l.b)
	l.buckets[key] = lim
	return lim
}

// sweep periodically removes buckets that have fully refilled, meaning the
// key has been idle long enough for the bucket to be indistinguishable from
// a fresh one.
func (l *BucketLimiter) sweep() {
	ticker := time.NewTicker(3 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, lim := range l.buckets {
				if lim.TokensAt(now) >= float64(lim.Burst()) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
