package httpserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter enforces a per-user token bucket: limit sends per window,
// with the full window available as burst.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[int64]*userBucket
	sweepAt time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterSweepEvery = 5 * time.Minute

func newUserLimiter(count int, window time.Duration) *userLimiter {
	return &userLimiter{
		limit:   rate.Every(window / time.Duration(count)),
		burst:   count,
		buckets: make(map[int64]*userBucket),
		sweepAt: time.Now().Add(limiterSweepEvery),
	}
}

// Allow reports whether the user may send now and consumes a token if so.
func (l *userLimiter) Allow(userID int64) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for id, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) > limiterSweepEvery {
				delete(l.buckets, id)
			}
		}
		l.sweepAt = now.Add(limiterSweepEvery)
	}

	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.Allow()
}
