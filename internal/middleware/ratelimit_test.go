package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/bizsuite/auditchain/internal/config"
)

// newTestLimiter returns a memory limiter whose clock the test controls.
func newTestLimiter(t *testing.T, perMinute, burst int) (*MemoryLimiter, *time.Time) {
	t.Helper()
	l := NewMemoryLimiter(RateLimitConfig{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(func() { l.Close() })
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func newRateLimitRouter(l Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(l))
	r.POST("/api/v1/audit", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func post(r *gin.Engine, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// NewLimiter
// ---------------------------------------------------------------------------

func TestNewLimiter_Backends(t *testing.T) {
	l, err := NewLimiter(config.RateLimitingConfig{})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	ml, ok := l.(*MemoryLimiter)
	if !ok {
		t.Fatalf("default backend = %T, want *MemoryLimiter", l)
	}
	if ml.config.RequestsPerMinute != 600 || ml.config.BurstSize != 100 {
		t.Errorf("defaults = %+v", ml.config)
	}
	l.Close()

	l, err = NewLimiter(config.RateLimitingConfig{Backend: "redis", Redis: config.RedisConfig{URL: "redis://localhost:6379/2"}, RequestsPerMinute: 30, Burst: 5})
	if err != nil {
		t.Fatalf("redis backend: %v", err)
	}
	rl, ok := l.(*RedisLimiter)
	if !ok {
		t.Fatalf("redis backend = %T, want *RedisLimiter", l)
	}
	if rl.limit.Rate != 30 || rl.limit.Burst != 5 || rl.limit.Period != time.Minute {
		t.Errorf("redis limit = %+v", rl.limit)
	}
	l.Close()
}

func TestNewLimiter_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RateLimitingConfig
	}{
		{"redis without url", config.RateLimitingConfig{Backend: "redis"}},
		{"bad redis url", config.RateLimitingConfig{Backend: "redis", Redis: config.RedisConfig{URL: "http://nope"}}},
		{"unknown backend", config.RateLimitingConfig{Backend: "memcached"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLimiter(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// MemoryLimiter
// ---------------------------------------------------------------------------

func TestMemoryLimiter_BurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(t, 60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, _ := l.Allow(ctx, "tenant:acme")
		if !res.Allowed {
			t.Fatalf("request %d denied within burst", i+1)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d remaining = %d, want %d", i+1, res.Remaining, 2-i)
		}
	}

	res, _ := l.Allow(ctx, "tenant:acme")
	if res.Allowed {
		t.Fatal("request over burst allowed")
	}
	if res.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s at 60/min", res.RetryAfter)
	}

	*now = now.Add(time.Second)
	if res, _ := l.Allow(ctx, "tenant:acme"); !res.Allowed {
		t.Error("token not refilled after one second")
	}
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "tenant:a"); !res.Allowed {
		t.Fatal("first request for a denied")
	}
	if res, _ := l.Allow(ctx, "tenant:a"); res.Allowed {
		t.Error("second request for a allowed")
	}
	if res, _ := l.Allow(ctx, "tenant:b"); !res.Allowed {
		t.Error("tenant b throttled by tenant a")
	}
}

func TestMemoryLimiter_CloseTwice(t *testing.T) {
	l := NewMemoryLimiter(DefaultRateLimitConfig())
	l.Close()
	l.Close()
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func TestRateLimitMiddleware_Rejects(t *testing.T) {
	l, _ := newTestLimiter(t, 30, 2)
	r := newRateLimitRouter(l)

	for i := 0; i < 2; i++ {
		if w := post(r, "acme"); w.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d, want 201", i+1, w.Code)
		}
	}

	w := post(r, "acme")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2 at 30/min", got)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != strconv.Itoa(30) {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	// another tenant from the same IP is not affected
	if w := post(r, "globex"); w.Code != http.StatusCreated {
		t.Errorf("other tenant status = %d, want 201", w.Code)
	}
}

func TestRateLimitKey(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(c *gin.Context)
		header string
		want   string
	}{
		{"context tenant", func(c *gin.Context) { c.Set(TenantIDKey, "acme") }, "", "tenant:acme"},
		{"header tenant", func(*gin.Context) {}, "globex", "tenant:globex"},
		{"invalid header falls back to ip", func(*gin.Context) {}, "bad tenant", "ip:10.0.0.7"},
		{"no tenant", func(*gin.Context) {}, "", "ip:10.0.0.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = "10.0.0.7:5555"
			if tt.header != "" {
				c.Request.Header.Set(TenantHeader, tt.header)
			}
			tt.setup(c)
			if got := rateLimitKey(c); got != tt.want {
				t.Errorf("rateLimitKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware_FailsOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	l := NewRedisLimiter(client, RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1})
	defer l.Close()

	r := newRateLimitRouter(l)
	for i := 0; i < 3; i++ {
		if w := post(r, "acme"); w.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d, want 201 while limiter is down", i+1, w.Code)
		}
	}
}
