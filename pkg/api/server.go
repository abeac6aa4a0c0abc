package api

import (
	"net/http"
	"strings"
)

// ServerConfig configures the middleware chain wrapped around every route.
type ServerConfig struct {
	BearerToken    string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	// RateLimiter, when set, replaces the default in-process limiter — a
	// RedisRateLimiter for deployments that run more than one
	// orchestratord process behind a shared rate budget.
	RateLimiter RateLimiter
}

// DefaultServerConfig matches the reference defaults documented in
// original_source/src/http_routes.py.
var DefaultServerConfig = ServerConfig{
	RateLimitRPS:   10,
	RateLimitBurst: 20,
	MaxBodyBytes:   1 << 20,
}

// NewMux builds the full HTTP surface (§6): every route runs behind the
// disclosure-header and rate-limit middleware; every route except /health
// and /ready additionally requires the bearer token when one is configured.
func NewMux(s *Server, cfg ServerConfig) http.Handler {
	var limiter RateLimiter = cfg.RateLimiter
	if limiter == nil {
		limiter = NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	bodyLimit := cfg.MaxBodyBytes
	if bodyLimit <= 0 {
		bodyLimit = DefaultServerConfig.MaxBodyBytes
	}

	protect := func(h http.Handler) http.Handler {
		return limiter.Middleware(bearerAuth(cfg.BearerToken, maxBytes(bodyLimit, h)))
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/chat/completions", protect(http.HandlerFunc(s.HandleChatCompletions)))
	mux.Handle("/v1/tools/approve", protect(http.HandlerFunc(s.HandleToolsApprove)))
	mux.Handle("/v1/tools/execute", protect(http.HandlerFunc(s.HandleToolsExecute)))
	mux.Handle("/v1/trust/events", protect(http.HandlerFunc(s.HandleTrustEvents)))
	mux.Handle("/v1/trust/trace/", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/trust/trace/")
		if id == "" {
			writeNotFound(w, r, "trace id required")
			return
		}
		s.HandleTrustTrace(w, r, id)
	})))
	mux.Handle("/v1/trust/verify/", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/trust/verify/")
		if id == "" {
			writeNotFound(w, r, "trace id required")
			return
		}
		s.HandleTrustVerify(w, r, id)
	})))

	// Health and readiness stay open so an external load balancer or
	// orchestration platform never needs the bearer token to poll them.
	mux.Handle("/health", limiter.Middleware(http.HandlerFunc(s.HandleHealth)))
	mux.Handle("/ready", limiter.Middleware(http.HandlerFunc(s.HandleReady)))

	return withDisclosureHeaders(mux)
}
