package mw

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"referralfees/internal/config"
	rdb "referralfees/internal/stores/redis"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitMiddleware struct {
	Log *zap.SugaredLogger
	Rdb *rdb.Client
	Cfg config.RateBucket
}

func NewRateLimit(log *zap.SugaredLogger, cfg *config.RateLimitConfig, rdb *rdb.Client) *RateLimitMiddleware {
	if cfg == nil {
		panic("rate limit config cannot be nil")
	}
	if rdb == nil {
		panic("redis client cannot be nil")
	}

	// sane defaults
	bucket := cfg.ByIP
	if bucket.TTL <= 0 {
		bucket.TTL = 2 * time.Minute
	}
	if bucket.RefillPerSec <= 0 {
		bucket.RefillPerSec = 1
	}

	return &RateLimitMiddleware{Log: log, Rdb: rdb, Cfg: bucket}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}

		ok, left := m.allow(r.Context(), "rl:ip:"+ip, time.Now())

		w.Header().Set("X-RateLimit-Limit-IP", strconv.Itoa(m.Cfg.Burst))
		w.Header().Set("X-RateLimit-Remaining-IP", strconv.FormatInt(left, 10))

		if !ok {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// --- redis token-bucket (Lua) for atomic and one query ---
var luaTokenBucket = redis.NewScript(`
-- KEYS[1] = key
-- ARGV[1] = now_ms
-- ARGV[2] = refill_per_sec (integer)
-- ARGV[3] = burst (integer)
-- ARGV[4] = ttl_seconds
local key   = KEYS[1]
local now   = tonumber(ARGV[1])
local rate  = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

-- read state
local last_ms = tonumber(redis.call('HGET', key, 'ts') or now)
local tokens  = tonumber(redis.call('HGET', key, 'tok') or burst)

-- replenish
if now > last_ms then
  local delta = (now - last_ms) / 1000.0
  tokens = math.min(burst, tokens + (delta * rate))
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tok', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)

return {allowed, math.floor(tokens)}
`)

func clientIP(r *http.Request) string {
	// return user IP among the proxy IPs
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow fails open: a redis outage must not take the read API down
func (m *RateLimitMiddleware) allow(ctx context.Context, key string, now time.Time) (bool, int64) {
	ttl := int(m.Cfg.TTL.Seconds())
	if ttl <= 0 {
		ttl = 120
	}

	res, err := luaTokenBucket.Run(ctx, m.Rdb, []string{key},
		now.UnixMilli(),
		m.Cfg.RefillPerSec,
		m.Cfg.Burst,
		ttl,
	).Int64Slice()
	if err != nil {
		if m.Log != nil {
			m.Log.Warnf("Rate limit check failed, allowing request, key=%s, error=%v", key, err)
		}
		return true, 0
	}
	if len(res) < 2 {
		return false, 0
	}

	return res[0] == 1, res[1]
}
