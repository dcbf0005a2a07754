package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/gateway"
)

const pollPath = "/workers/tasks/poll"

func pollRequest(workerID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, pollPath+"?worker_id="+workerID, nil)
	req.Header.Set("Authorization", "Bearer test-token")
	return req
}

func TestRateLimit_UnderLimit(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         10,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	// Send a few requests under the burst limit.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pollRequest("worker-1"))

		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         3,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	// Exhaust the burst.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pollRequest("worker-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	// Next poll should be rate limited.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-1"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	// Exhaust burst.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-1"))

	// Over limit.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-1"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if retryAfter := rec.Header().Get("Retry-After"); retryAfter != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", retryAfter)
	}
}

func TestRateLimit_BurstAllowed(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         5,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	// All 5 burst requests should succeed immediately.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pollRequest("burst-worker"))

		if rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	// 6th request should be limited.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("burst-worker"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst exhausted, got %d", rec.Code)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 60 requests per minute = 1 per second, matching the §4.6 poll cap.
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	// Use up the initial token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("refill-worker"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	// Should be limited now.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("refill-worker"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}

	// Wait for refill (>1 second for 1 req/sec rate).
	time.Sleep(1100 * time.Millisecond)

	// Should be allowed again.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("refill-worker"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerWorkerIsolation(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	// Exhaust worker-a's bucket.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pollRequest("worker-a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("worker-a request %d: expected 200, got %d", i, rec.Code)
		}
	}

	// worker-a should be limited.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-a"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("worker-a: expected 429, got %d", rec.Code)
	}

	// worker-b should still be allowed (separate bucket, even though both
	// requests carry the same bearer token).
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-b"))
	if rec.Code != http.StatusOK {
		t.Fatalf("worker-b: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_OnlyMetersPollEndpoint(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	claim := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/workers/tasks/t1/claim", nil)
		req.Header.Set("X-Worker-Id", "worker-1")
		return req
	}

	// Repeated claim/progress/complete calls for the same worker never
	// touch the poll bucket and are never throttled by this middleware.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, claim())
		if rec.Code != http.StatusOK {
			t.Fatalf("claim request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("expected no buckets created for non-poll routes, got %d", rl.BucketCount())
	}

	// Exhaust the worker's single poll token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first poll: expected 200, got %d", rec.Code)
	}

	// The worker can still claim/progress/complete freely even though its
	// poll bucket is now empty.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, claim())
	if rec.Code != http.StatusOK {
		t.Fatalf("claim after poll exhaustion: expected 200, got %d", rec.Code)
	}

	// But another poll is throttled.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second poll: expected 429, got %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         10,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	// Create buckets for 3 different workers.
	for _, worker := range []string{"worker-1", "worker-2", "worker-3"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pollRequest(worker))
	}

	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}

	// Evict with maxAge=0 removes everything (all buckets are "stale").
	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected 0 buckets after full eviction, got %d", rl.BucketCount())
	}

	// Re-create buckets then evict with a large maxAge (nothing should be removed).
	for _, worker := range []string{"worker-a", "worker-b"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pollRequest(worker))
	}
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets after no-op eviction, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled: false,
	}
	rl := gateway.NewRateLimitMiddleware(cfg)

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Wrap(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pollRequest("worker-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !called {
		t.Fatal("inner handler should have been called when rate limit is disabled")
	}
}
