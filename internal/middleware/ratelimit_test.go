package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/teamsync/internal/model"
)

func newUserRequest(userID int64) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/test", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 2, GeneralBurst: 5,
		SyncRate: 1, SyncBurst: 1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newUserRequest(1))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 0.5, GeneralBurst: 1,
		SyncRate: 1, SyncBurst: 1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), newUserRequest(2))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(2))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got, _ := strconv.Atoi(w.Header().Get("Retry-After")); got != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}
}

func TestRateLimitMiddleware_PerUser(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 1, GeneralBurst: 1,
		SyncRate: 1, SyncBurst: 1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), newUserRequest(10))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(11))
	if w.Code != http.StatusOK {
		t.Errorf("別ユーザーは独立して制限されるべき: status = %d", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestSyncMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 100, GeneralBurst: 100,
		SyncRate: 0.1, SyncBurst: 1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(rl.SyncMiddleware()(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(3))
	if w.Code != http.StatusOK {
		t.Fatalf("1回目: status = %d, want 200", w.Code)
	}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(3))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("2回目: status = %d, want 429", w.Code)
	}
	if rl.SyncLimiterCount() != 1 {
		t.Errorf("SyncLimiterCount = %d, want 1", rl.SyncLimiterCount())
	}
}

func TestRateLimitMiddleware_RequiresUser(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRateLimiter_CleanupEvictsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 1, GeneralBurst: 1,
		SyncRate: 1, SyncBurst: 1,
		CleanupInterval: time.Millisecond,
	})
	defer rl.Stop()

	rl.general.get(1)
	rl.sync.get(1)
	time.Sleep(5 * time.Millisecond)
	rl.cleanup()

	if rl.GeneralLimiterCount() != 0 || rl.SyncLimiterCount() != 0 {
		t.Errorf("idle entries should be evicted: general=%d sync=%d", rl.GeneralLimiterCount(), rl.SyncLimiterCount())
	}
}

func TestPerMinuteConfig(t *testing.T) {
	cfg := PerMinuteConfig(120, 6)
	if cfg.GeneralRate != 2 || cfg.GeneralBurst != 120 {
		t.Errorf("general = (%v, %d), want (2, 120)", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.SyncBurst != 6 {
		t.Errorf("sync burst = %d, want 6", cfg.SyncBurst)
	}
}
