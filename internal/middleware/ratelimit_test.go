package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestRateLimiter はテスト終了時に停止されるRateLimiterを生成する。
func newTestRateLimiter(t *testing.T, cfg RateLimiterConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	return rl
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestAs(method, path, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    5,
		InstallRate:     1,
		InstallBurst:    5,
		CleanupInterval: time.Minute,
	})
	handler := rl.GeneralMiddleware()(okHandler())

	for i := range 5 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/library", "user-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     0.5,
		GeneralBurst:    1,
		InstallRate:     1,
		InstallBurst:    1,
		CleanupInterval: time.Minute,
	})
	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/games", "user-429"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/games", "user-429"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want %q", got, "2")
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want RATE_LIMIT_EXCEEDED", body.Code)
	}
	if body.Category != "rate_limit" || body.Action == "" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesUsers(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		InstallRate:     1,
		InstallBurst:    1,
		CleanupInterval: time.Minute,
	})
	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/games", "user-a"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/games", "user-b"))
	if w.Code != http.StatusOK {
		t.Errorf("user-b status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", got)
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := newTestRateLimiter(t, DefaultRateLimiterConfig())
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/games", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestInstallRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		InstallRate:     1,
		InstallBurst:    1,
		CleanupInterval: time.Minute,
	})
	general := rl.GeneralMiddleware()(okHandler())
	install := rl.InstallMiddleware()(okHandler())

	general.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/games", "user-x"))

	w := httptest.NewRecorder()
	install.ServeHTTP(w, requestAs(http.MethodPost, "/api/library/games/1", "user-x"))
	if w.Code != http.StatusOK {
		t.Fatalf("install should still be allowed: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	install.ServeHTTP(w, requestAs(http.MethodPost, "/api/library/games/2", "user-x"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second install status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := rl.InstallLimiterCount(); got != 1 {
		t.Errorf("InstallLimiterCount = %d, want 1", got)
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     10,
		GeneralBurst:    10,
		InstallRate:     10,
		InstallBurst:    10,
		CleanupInterval: time.Hour,
	})
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/", "stale"))
	rl.InstallMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodPost, "/", "stale"))

	past := time.Now().Add(-3 * time.Hour)
	rl.general.get("stale", past)
	rl.install.get("stale", past)
	rl.general.get("fresh", time.Now())

	rl.cleanup()

	if got := rl.GeneralLimiterCount(); got != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", got)
	}
	if got := rl.InstallLimiterCount(); got != 0 {
		t.Errorf("InstallLimiterCount = %d, want 0", got)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestNewRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.InstallBurst != 30 {
		t.Errorf("InstallBurst = %d, want 30", cfg.InstallBurst)
	}
	if float64(cfg.InstallRate) != 0.5 {
		t.Errorf("InstallRate = %v, want 0.5", cfg.InstallRate)
	}

	cfg = NewRateLimiterConfig(0, -1)
	if cfg.GeneralBurst != 120 || cfg.InstallBurst != 30 {
		t.Errorf("non-positive values should fall back to defaults: %+v", cfg)
	}
}
