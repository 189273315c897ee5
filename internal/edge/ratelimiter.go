package edge

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// OrgRateLimiter throttles dispatch traffic per organization ahead of the
// scheduler, guarding against thundering-herd dispatch retries. It is not a
// substitute for org-quota enforcement in the scheduler — an outer fixed
// one-minute window, adapted from the teacher's middleware.RateLimiter.
type OrgRateLimiter struct {
	mu        sync.RWMutex
	windows   map[string]*rateWindow
	maxPerMin int
	burst     int
	logger    *log.Logger
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewOrgRateLimiter builds a limiter with maxPerMin calls/minute per org,
// allowing a temporary burst up to 2x.
func NewOrgRateLimiter(maxPerMin int) *OrgRateLimiter {
	if maxPerMin <= 0 {
		maxPerMin = 600
	}
	rl := &OrgRateLimiter{
		windows:   make(map[string]*rateWindow),
		maxPerMin: maxPerMin,
		burst:     maxPerMin * 2,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request for organizationID is within limits.
func (rl *OrgRateLimiter) Allow(organizationID string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, exists := rl.windows[organizationID]
	if !exists || now.Sub(w.windowStart) > time.Minute {
		rl.windows[organizationID] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	if w.count > rl.burst {
		rl.logger.Printf("rate limit exceeded (burst): org=%s count=%d", organizationID, w.count)
		return false
	}
	return true
}

// Middleware enforces the per-org limit, reading the organization id with
// orgOf; a request for which orgOf returns "" is passed through unthrottled.
func (rl *OrgRateLimiter) Middleware(orgOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			org := orgOf(r)
			if org != "" && !rl.Allow(org) {
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded","retryAfterSeconds":60}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *OrgRateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
