package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mnehpets/ootdmate/config"
)

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

type recorder struct{ paths []string }

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.paths = append(rec.paths, r.URL.Path)
	w.WriteHeader(http.StatusNoContent)
}

func testConfig() *config.Config {
	return &config.Config{
		BasePath:          "/api",
		FrontendURL:       "http://localhost:3000",
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	}
}

func TestRouter_AppSurface(t *testing.T) {
	h := newRouter(testConfig(), &recorder{}, &recorder{}, fakeDB{})

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/", http.StatusOK, "{\"message\":\"OOTD Mate API\"}\n"},
		{"/health", http.StatusOK, "{\"status\":\"healthy\"}\n"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.wantCode || rec.Body.String() != tt.wantBody {
			t.Errorf("%s: got %d %q", tt.path, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics: got %d", rec.Code)
	}
}

func TestRouter_HealthReportsDatabase(t *testing.T) {
	h := newRouter(testConfig(), &recorder{}, &recorder{}, fakeDB{err: errors.New("disk gone")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestRouter_MountsFullPaths(t *testing.T) {
	authH, profileH := &recorder{}, &recorder{}
	h := newRouter(testConfig(), authH, profileH, fakeDB{})

	for _, p := range []string{"/api/auth/me", "/api/auth/login", "/api/profile", "/api/profile/"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("%s: got %d", p, rec.Code)
		}
	}
	if len(authH.paths) != 2 || authH.paths[0] != "/api/auth/me" || authH.paths[1] != "/api/auth/login" {
		t.Fatalf("auth handler saw %v", authH.paths)
	}
	if len(profileH.paths) != 2 || profileH.paths[0] != "/api/profile" {
		t.Fatalf("profile handler saw %v", profileH.paths)
	}
}

func TestRouter_RateLimitsLogin(t *testing.T) {
	h := newRouter(testConfig(), &recorder{}, &recorder{}, fakeDB{})

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes: %v", codes)
	}

	// Session checks are not limited.
	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("session: got %d", rec.Code)
		}
	}
}

func TestRouter_CORS(t *testing.T) {
	h := newRouter(testConfig(), &recorder{}, &recorder{}, fakeDB{})

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Allow-Credentials: %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}
