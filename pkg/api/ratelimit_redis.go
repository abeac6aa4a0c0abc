package api

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript mirrors golang.org/x/time/rate's algorithm but runs
// atomically inside Redis, so every orchestratord process sharing one
// Redis instance draws from a single bucket per client IP instead of each
// process keeping its own (§6's "optional external storage URL" for the
// rate limiter).
var tokenBucketScript = redis.NewScript(`
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local updatedAt = tonumber(redis.call("HGET", KEYS[1], "updated_at"))
local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if tokens == nil then
	tokens = burst
	updatedAt = now
end

local elapsed = now - updatedAt
if elapsed > 0 then
	tokens = math.min(burst, tokens + elapsed * rps)
end

local allowed = 0
if tokens >= 1 then
	allowed = 1
	tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "updated_at", now)
redis.call("EXPIRE", KEYS[1], ttl)
return allowed
`)

// RedisRateLimiter is the external-storage counterpart to
// GlobalRateLimiter. Same token-bucket shape (rps/burst per client IP),
// backed by a Redis hash instead of an in-process map.
type RedisRateLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	ttl    time.Duration
	prefix string
}

// NewRedisRateLimiter wraps an existing redis client with the given
// rps/burst, matching the same settings GlobalRateLimiter would use.
func NewRedisRateLimiter(client *redis.Client, rps float64, burst int) *RedisRateLimiter {
	ttl := time.Duration(float64(burst)/rps*float64(time.Second)) + 2*time.Second
	return &RedisRateLimiter{client: client, rps: rps, burst: burst, ttl: ttl, prefix: "rate_limit:"}
}

func (rl *RedisRateLimiter) allow(ctx context.Context, ip string) bool {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	n, err := tokenBucketScript.Run(ctx, rl.client, []string{rl.prefix + ip},
		rl.rps, rl.burst, now, int(rl.ttl.Seconds())).Int()
	if err != nil {
		// Redis unreachable: fail open. A rate limiter's storage backend
		// going down shouldn't take the whole service down with it.
		return true
	}
	return n == 1
}

// Middleware enforces the per-IP rate limit ahead of next.
func (rl *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.Context(), clientIP(r)) {
			writeTooManyRequests(w, r, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}
