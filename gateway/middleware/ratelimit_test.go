package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"p2potc/crypto"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"deals": {RequestsPerMinute: 1, Burst: 1}}, nil)
	handler := limiter.Middleware("deals")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/deals/1/resolve", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesGroupsAndCallers(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"deals": {RequestsPerMinute: 1, Burst: 1},
		"posts": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	deals := limiter.Middleware("deals")(okHandler())
	posts := limiter.Middleware("posts")(okHandler())

	alice := crypto.Address{0x01}
	bob := crypto.Address{0x02}
	for _, tc := range []struct {
		handler http.Handler
		caller  crypto.Address
	}{{deals, alice}, {posts, alice}, {deals, bob}} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithCaller(req.Context(), tc.caller))
		res := httptest.NewRecorder()
		tc.handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected independent budgets, got %d", res.Code)
		}
	}
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{"deals": {RequestsPerMinute: 1, Burst: 1}}, nil)
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("a", RateLimit{})
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("b", RateLimit{})
	if _, ok := limiter.visitors["a"]; ok {
		t.Fatalf("expected idle visitor to be swept")
	}
}

func TestClientIDPrefersForwardedIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.9" {
		t.Fatalf("unexpected client id %q", got)
	}
}
