package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"referralfees/internal/config"
	rdb "referralfees/internal/stores/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// ========== Test Helpers ==========

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *rdb.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := &rdb.Client{
		Client: goredis.NewClient(&goredis.Options{
			Addr: mr.Addr(),
		}),
	}
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func rateLimitConfig(refill, burst int) *config.RateLimitConfig {
	return &config.RateLimitConfig{
		ByIP: config.RateBucket{RefillPerSec: refill, Burst: burst, TTL: time.Minute},
	}
}

func request(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	req.RemoteAddr = ip + ":12345"
	return req
}

// ========== Constructor Tests ==========

func TestNewRateLimit(t *testing.T) {
	_, client := setupTestRedis(t)
	log := zap.NewNop().Sugar()

	t.Run("panic_when_config_is_nil", func(t *testing.T) {
		assert.Panics(t, func() { NewRateLimit(log, nil, client) })
	})

	t.Run("panic_when_redis_is_nil", func(t *testing.T) {
		assert.Panics(t, func() { NewRateLimit(log, rateLimitConfig(1, 1), nil) })
	})

	t.Run("sets_default_ttl_when_zero", func(t *testing.T) {
		m := NewRateLimit(log, &config.RateLimitConfig{ByIP: config.RateBucket{RefillPerSec: 10, Burst: 20}}, client)
		assert.Equal(t, 2*time.Minute, m.Cfg.TTL)
		assert.Equal(t, 20, m.Cfg.Burst)
	})
}

// ========== Handler Tests ==========

func TestRateLimitMiddleware_Handler_IPLimit(t *testing.T) {
	_, client := setupTestRedis(t)
	m := NewRateLimit(zap.NewNop().Sugar(), rateLimitConfig(1, 3), client)

	nextHandlerCalls := 0
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextHandlerCalls++
		w.WriteHeader(http.StatusOK)
	}))

	// burst = 3
	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request("192.168.1.100"))

		assert.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit-IP"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining-IP"))
	}
	assert.Equal(t, 3, nextHandlerCalls)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("192.168.1.100"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 3, nextHandlerCalls, "next handler should not be called")
}

func TestRateLimitMiddleware_Handler_DifferentIPsIndependent(t *testing.T) {
	_, client := setupTestRedis(t)
	m := NewRateLimit(zap.NewNop().Sugar(), rateLimitConfig(1, 1), client)

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, request("192.168.1.1"))
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, request("192.168.1.2"))
	assert.Equal(t, http.StatusOK, rec2.Code)

	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, request("192.168.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec3.Code)
}

func TestRateLimitMiddleware_Handler_FailsOpen(t *testing.T) {
	mr, client := setupTestRedis(t)
	m := NewRateLimit(zap.NewNop().Sugar(), rateLimitConfig(1, 1), client)
	mr.Close()

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request("10.0.0.1"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitMiddleware_BucketKeyHasTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	m := NewRateLimit(zap.NewNop().Sugar(), rateLimitConfig(1, 5), client)

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), request("10.0.0.7"))

	assert.True(t, mr.Exists("rl:ip:10.0.0.7"))
	assert.Equal(t, time.Minute, mr.TTL("rl:ip:10.0.0.7"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:999"
	assert.Equal(t, "10.1.1.1", clientIP(req))

	req.Header.Set("X-Real-IP", "10.2.2.2")
	assert.Equal(t, "10.2.2.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "10.3.3.3, 10.4.4.4")
	assert.Equal(t, "10.3.3.3", clientIP(req))
}
