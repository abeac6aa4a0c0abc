package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client request budget ahead of the wrapped
// handler. GlobalRateLimiter and RedisRateLimiter are the two
// implementations §6 names: in-process by default, external storage when
// an operator wants every orchestratord process to share one budget.
type RateLimiter interface {
	Middleware(next http.Handler) http.Handler
}

// rateLimitConfig holds the per-IP limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// GlobalRateLimiter manages per-IP token-bucket limiters (§6 rate limit).
// The budget is a refill rate in requests per second plus a burst size; it
// is not expressed in requests per minute.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter builds a limiter allowing rps requests/second with
// the given burst, per client IP.
func NewGlobalRateLimiter(rps float64, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		config:   rateLimitConfig{rps: rate.Limit(rps), burst: burst},
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors evicts visitor entries idle for more than three minutes
// so a long-running process doesn't accumulate one limiter per ever-seen IP.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP rate limit ahead of next.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.getVisitor(clientIP(r)).Allow() {
			writeTooManyRequests(w, r, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr, falling back to a bracket trim
// for the rare malformed-address case rather than failing the request.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// bearerAuth enforces the Bearer token described in §6's auth column. This
// is intentionally a static-token comparison, not JWT verification —
// SPEC_FULL.md's Non-goals exclude a full auth/identity subsystem, so this
// mirrors the reference implementation's own ORCH_BEARER_TOKEN check
// rather than inventing a token format the spec never asked for.
func bearerAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeUnauthorized(w, r, "")
			return
		}
		presented := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeUnauthorized(w, r, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxBytes wraps next so its request body is capped, converting an
// over-limit read into a `request_too_large` response rather than a raw
// decode failure.
func maxBytes(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// withDisclosureHeaders stamps every response with the AI-disclosure header
// §6 requires on every response. It sets no trace-id header; X-Trace-Id is
// set only by the chat-completions and tools-execute handlers, once the
// orchestrator has opened a trace.
func withDisclosureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-AI-Generated", "true")
		next.ServeHTTP(w, r)
	})
}
