package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGlobalRateLimiter_AllowsBurstThenBlocks(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ts := httptest.NewServer(handler)
	defer ts.Close()
	client := ts.Client()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("request %d: expected 200 within burst, got %d", i, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 once burst exhausted, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestBearerAuth_RejectsMissingAndWrongToken(t *testing.T) {
	handler := bearerAuth("secret-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/trust/events", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no Authorization header, got %d", w.Code)
	}

	req.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestBearerAuth_AcceptsCorrectToken(t *testing.T) {
	handler := bearerAuth("secret-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/trust/events", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with correct token, got %d", w.Code)
	}
}

func TestBearerAuth_NoOpWhenTokenUnset(t *testing.T) {
	handler := bearerAuth("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/trust/events", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected auth disabled to pass through, got %d", w.Code)
	}
}

func TestWithDisclosureHeaders_SetsHeader(t *testing.T) {
	handler := withDisclosureHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-AI-Generated"); got != "true" {
		t.Errorf("expected X-AI-Generated: true, got %q", got)
	}
}

func TestGlobalRateLimiter_CleanupEvictsStaleVisitors(t *testing.T) {
	rl := &GlobalRateLimiter{
		visitors: map[string]*visitor{
			"stale": {lastSeen: time.Now().Add(-4 * time.Minute)},
			"fresh": {lastSeen: time.Now()},
		},
		config: rateLimitConfig{rps: 1, burst: 1},
	}
	rl.mu.Lock()
	for ip, v := range rl.visitors {
		if time.Since(v.lastSeen) > 3*time.Minute {
			delete(rl.visitors, ip)
		}
	}
	rl.mu.Unlock()

	if _, ok := rl.visitors["stale"]; ok {
		t.Error("expected stale visitor evicted")
	}
	if _, ok := rl.visitors["fresh"]; !ok {
		t.Error("expected fresh visitor retained")
	}
}
