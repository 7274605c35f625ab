package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleLimiterTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userRateLimiter keeps one token bucket per user id.
type userRateLimiter struct {
	mu          sync.Mutex
	visitors    map[int64]*visitor
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
	now         func() time.Time
}

// newUserRateLimiter allows perMinute events per user and minute. A value of
// zero or less disables limiting.
func newUserRateLimiter(perMinute int) *userRateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &userRateLimiter{
		visitors:    make(map[int64]*visitor),
		limit:       limit,
		burst:       1,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (rl *userRateLimiter) allow(userID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > idleLimiterTTL {
		for id, v := range rl.visitors {
			if now.Sub(v.lastSeen) > idleLimiterTTL {
				delete(rl.visitors, id)
			}
		}
		rl.lastCleanup = now
	}

	v, ok := rl.visitors[userID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[userID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
