package app

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const defaultLimiterKeys = 4096

// RateLimiter is a sliding-window limiter keyed by client token. The least
// recently seen keys are forgotten once the table is full.
type RateLimiter struct {
	clock clockwork.Clock

	mu       sync.Mutex
	history  *lru.Cache[string, []time.Time]
	limit    int
	interval time.Duration
}

func NewRateLimiter(clock clockwork.Clock, limit int, interval time.Duration) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	history, err := lru.New[string, []time.Time](defaultLimiterKeys)
	if err != nil {
		panic("app: rate limiter cache: " + err.Error())
	}
	return &RateLimiter{
		clock:    clock,
		history:  history,
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts, _ := rl.history.Get(key)
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history.Add(key, fresh)
		return false
	}
	rl.history.Add(key, append(fresh, now))
	return true
}

// Prune forgets keys with no attempts inside the window.
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := rl.clock.Now().Add(-rl.interval)
	for _, key := range rl.history.Keys() {
		attempts, ok := rl.history.Peek(key)
		if !ok || len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			rl.history.Remove(key)
		}
	}
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.history.Len()
}
