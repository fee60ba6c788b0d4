package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// tapThrottle holds one token bucket per player for the tap endpoint.
type tapThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newTapThrottle(perSecond float64, burst int) *tapThrottle {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst < 1 {
		burst = 1
	}
	return &tapThrottle{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (t *tapThrottle) limiter(playerID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	limiter, exists := t.limiters[playerID]
	if !exists {
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[playerID] = limiter
	}
	return limiter
}

func (t *tapThrottle) Allow(playerID string) bool {
	return t.limiter(playerID).Allow()
}

// Configure changes the rate for existing and future buckets.
func (t *tapThrottle) Configure(perSecond float64, burst int) {
	if perSecond <= 0 || burst < 1 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rate.Limit(perSecond) == t.limit && burst == t.burst {
		return
	}
	t.limit = rate.Limit(perSecond)
	t.burst = burst
	for _, limiter := range t.limiters {
		limiter.SetLimit(t.limit)
		limiter.SetBurst(t.burst)
	}
}

// Forget drops the player's bucket once their session is gone.
func (t *tapThrottle) Forget(playerID string) {
	t.mu.Lock()
	delete(t.limiters, playerID)
	t.mu.Unlock()
}
