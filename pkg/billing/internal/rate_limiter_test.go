package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func newTestLimiter(limit int, period time.Duration) (*RateLimiter, *stepClock) {
	clock := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, period)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := rl.Allow("1.2.3.4")
	if ok {
		t.Fatal("third request should be limited")
	}
	if retryAfter != time.Minute {
		t.Errorf("retryAfter = %v, want 1m", retryAfter)
	}

	// Other clients have their own window
	if ok, _ := rl.Allow("5.6.7.8"); !ok {
		t.Error("different IP should be allowed")
	}

	// Window resets
	clock.t = clock.t.Add(time.Minute)
	if ok, _ := rl.Allow("1.2.3.4"); !ok {
		t.Error("request after window reset should be allowed")
	}
}

func TestRateLimiter_EvictsExpiredWindows(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Second)

	for i := 0; i < 150; i++ {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	if rl.Len() != 150 {
		t.Fatalf("Len() = %d, want 150", rl.Len())
	}

	clock.t = clock.t.Add(2 * time.Second)
	for i := 0; i < cleanupEvery; i++ {
		rl.Allow("192.168.0.1")
	}

	if rl.Len() != 1 {
		t.Errorf("Len() = %d after eviction, want 1", rl.Len())
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr with port", nil, "1.1.1.1:5000", "1.1.1.1"},
		{"remote addr without port", nil, "1.1.1.1", "1.1.1.1"},
		{"forwarded for chain", map[string]string{"X-Forwarded-For": "2.2.2.2, 3.3.3.3"}, "1.1.1.1:5000", "2.2.2.2"},
		{"real ip", map[string]string{"X-Real-IP": "4.4.4.4"}, "1.1.1.1:5000", "4.4.4.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
