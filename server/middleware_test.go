package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdminAuthDisabledPassesThrough(t *testing.T) {
	cfg := &authConfig{enabled: false}
	called := false
	h := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }), cfg)

	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to be called when auth disabled")
	}
}

func TestAdminAuthBasicCredentials(t *testing.T) {
	cfg := &authConfig{adminUsername: "admin", adminPassword: "hunter2", enabled: true}
	h := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }), cfg)

	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req2.SetBasicAuth("admin", "hunter2")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct credentials, got %d", rec2.Code)
	}
}

func TestIPRateLimiterAllowsUpToLimit(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		if !limiter.allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if limiter.allow("1.2.3.4") {
		t.Error("4th request should be rejected")
	}
}

func TestIPRateLimiterTracksIndependentIPs(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)

	if !limiter.allow("1.1.1.1") {
		t.Error("first IP first request should be allowed")
	}
	if !limiter.allow("2.2.2.2") {
		t.Error("second IP first request should be allowed independently")
	}
}

func TestIPRateLimiterDisabledAllowsEverything(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 10; i++ {
		if !limiter.allow("9.9.9.9") {
			t.Fatalf("request %d should be allowed when limiter disabled", i)
		}
	}
}

func TestRateLimitMiddlewareStripsPortFromRemoteAddr(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)
	h := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }), limiter)

	req1 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req1.RemoteAddr = "5.5.5.5:1111"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request should succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.RemoteAddr = "5.5.5.5:2222"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same IP different port should be limited, got %d", rec2.Code)
	}
}

func TestCORSPermissiveAllowsAnyOrigin(t *testing.T) {
	cfg := &corsConfig{permissive: true}
	h := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }), cfg)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestCORSRestrictedRejectsUnlistedOrigin(t *testing.T) {
	cfg := &corsConfig{permissive: false, allowedOrigins: []string{"https://trusted.example"}}
	h := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }), cfg)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header for untrusted origin, got %q", got)
	}
}

func TestCORSWildcardSubdomainMatches(t *testing.T) {
	if !isOriginAllowed("https://sub.example.com", []string{"*.example.com"}) {
		t.Error("expected subdomain to match wildcard")
	}
	if isOriginAllowed("https://example.org", []string{"*.example.com"}) {
		t.Error("expected different domain to not match")
	}
}
