package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute, clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		if rl.Blocked("ip") {
			t.Fatalf("blocked after %d failures", i)
		}
		rl.Fail("ip")
	}
	if !rl.Blocked("ip") {
		t.Error("expected block after 3 failures")
	}
	if rl.Blocked("other") {
		t.Error("other key should not be blocked")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(1, time.Minute, clock)

	rl.Fail("ip")
	if !rl.Blocked("ip") {
		t.Fatal("expected block within window")
	}
	clock.Advance(time.Minute + time.Second)
	if rl.Blocked("ip") {
		t.Error("expected unblock after window")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(5, time.Minute, clock)

	rl.Fail("expired")
	clock.Advance(2 * time.Minute)
	rl.Fail("active")
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["expired"]; ok {
		t.Error("expired entry should have been cleaned up")
	}
	if _, ok := rl.entries["active"]; !ok {
		t.Error("active entry should still exist")
	}
}

func TestRequireToken(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, clockwork.NewFakeClock())
	handler := RequireToken("s3cret", rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(auth string) int {
		req := httptest.NewRequest("POST", "/ops/run", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("Bearer s3cret"); code != http.StatusNoContent {
		t.Errorf("valid token: status = %d", code)
	}
	if code := do(""); code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d", code)
	}
	if code := do("Bearer wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", code)
	}
	if code := do("Bearer s3cret"); code != http.StatusTooManyRequests {
		t.Errorf("after two failures: status = %d, want %d", code, http.StatusTooManyRequests)
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "198.51.100.1"}, "10.0.0.1:1", "198.51.100.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.2"}, "10.0.0.1:1", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.9:5555", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := RealIP(req); got != tt.want {
				t.Errorf("RealIP = %q, want %q", got, tt.want)
			}
		})
	}
}
