package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type callerLimit struct {
	lim        *rate.Limiter
	lastAccess time.Time
}

// rateLimiter throttles operator endpoints per client address. Webhook
// routes are not limited: platforms retry, and dedup absorbs retries.
type rateLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerLimit
	every   rate.Limit
	burst   int
	now     func() time.Time
}

func newRateLimiter(perMinute, burst int) *rateLimiter {
	return &rateLimiter{
		callers: map[string]*callerLimit{},
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	c, ok := rl.callers[key]
	if !ok {
		c = &callerLimit{lim: rate.NewLimiter(rl.every, rl.burst)}
		rl.callers[key] = c
	}
	c.lastAccess = now
	rl.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// evictIdle drops callers unseen for maxAge.
func (rl *rateLimiter) evictIdle(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, c := range rl.callers {
		if c.lastAccess.Before(cutoff) {
			delete(rl.callers, k)
			n++
		}
	}
	return n
}

func (rl *rateLimiter) startEviction(ctx context.Context, interval, maxAge time.Duration, logger *slog.Logger) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := rl.evictIdle(maxAge); n > 0 {
					logger.Debug("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()
}
