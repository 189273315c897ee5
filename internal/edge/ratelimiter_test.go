package edge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrgRateLimiterAllowsWithinLimit(t *testing.T) {
	rl := NewOrgRateLimiter(5)
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("org-1"), "call %d should be within the per-minute limit", i)
	}
}

func TestOrgRateLimiterBlocksPastBurst(t *testing.T) {
	rl := NewOrgRateLimiter(5) // burst = 10
	for i := 0; i < 10; i++ {
		rl.Allow("org-1")
	}
	assert.False(t, rl.Allow("org-1"), "call past the burst ceiling must be rejected")
}

func TestOrgRateLimiterIsolatesOrganizations(t *testing.T) {
	rl := NewOrgRateLimiter(1) // burst = 2
	rl.Allow("org-a")
	rl.Allow("org-a")
	assert.False(t, rl.Allow("org-a"), "org-a should be over its burst")
	assert.True(t, rl.Allow("org-b"), "org-b has its own independent window")
}

func TestOrgRateLimiterMiddlewareRejectsOverLimit(t *testing.T) {
	rl := NewOrgRateLimiter(1)
	rl.Allow("org-1")
	rl.Allow("org-1") // exhausts the burst of 2

	handlerCalled := false
	handler := rl.Middleware(func(*http.Request) string { return "org-1" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, handlerCalled, "rate-limited request must not reach the wrapped handler")
}

func TestOrgRateLimiterMiddlewarePassesThroughWithoutOrg(t *testing.T) {
	rl := NewOrgRateLimiter(1)
	handler := rl.Middleware(func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
