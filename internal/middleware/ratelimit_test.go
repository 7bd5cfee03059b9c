package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRateLimiter(t *testing.T, maxReqs, windowSec int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, maxReqs, windowSec), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doFrom(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/openai/check", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl, _ := setupRateLimiter(t, 5, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := doFrom(handler, "192.168.1.1:12345")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(4-i), rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl, mr := setupRateLimiter(t, 3, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, doFrom(handler, "10.0.0.1:12345").Code)
	}

	rec := doFrom(handler, "10.0.0.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many requests"}`, rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	members, err := mr.ZMembers("usagegate:ratelimit:10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, members, 3, "rejected requests are not added to the window")
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl, _ := setupRateLimiter(t, 1, 60)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	handler := rl.Middleware(okHandler())

	require.Equal(t, http.StatusOK, doFrom(handler, "4.4.4.4:1").Code)
	require.Equal(t, http.StatusTooManyRequests, doFrom(handler, "4.4.4.4:1").Code)

	now = now.Add(61 * time.Second)
	assert.Equal(t, http.StatusOK, doFrom(handler, "4.4.4.4:1").Code)
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl, _ := setupRateLimiter(t, 2, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		doFrom(handler, "1.1.1.1:1")
	}

	assert.Equal(t, http.StatusTooManyRequests, doFrom(handler, "1.1.1.1:1").Code)
	assert.Equal(t, http.StatusOK, doFrom(handler, "2.2.2.2:1").Code)
}

func TestRateLimiter_FailsOpenOnRedisError(t *testing.T) {
	rl, mr := setupRateLimiter(t, 1, 60)
	mr.Close()

	handler := rl.Middleware(okHandler())
	assert.Equal(t, http.StatusOK, doFrom(handler, "3.3.3.3:1").Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"remote addr", "10.1.2.3:4567", "", "10.1.2.3"},
		{"forwarded single", "10.1.2.3:4567", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.1.2.3:4567", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "10.1.2.3", "", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
