package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMiddleware_Handler(t *testing.T) {
	a, err := NewAuthenticator(testConfig())
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	token, _ := a.Tokens().Issue("andi", []string{RoleTechnician}, time.Hour)

	var failures int
	middleware := NewMiddleware(a, func(r *http.Request, err error) { failures++ })

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := GetPrincipalFromContext(r.Context()); p != nil {
			w.Header().Set("X-Principal-ID", p.ID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("authenticated request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if w.Header().Get("X-Principal-ID") != "andi" {
			t.Errorf("X-Principal-ID = %q, want andi", w.Header().Get("X-Principal-ID"))
		}
	})

	t.Run("unauthenticated request to protected endpoint", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("anonymous endpoint", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	if failures != 1 {
		t.Errorf("onFailure called %d times, want 1", failures)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleTechnician)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{"no principal", nil, http.StatusUnauthorized},
		{"wrong role", &Principal{ID: "b", Roles: []string{RoleBilling}}, http.StatusForbidden},
		{"technician", &Principal{ID: "t", Roles: []string{RoleTechnician}}, http.StatusNoContent},
		{"admin", &Principal{ID: "a", Roles: []string{RoleAdmin}}, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/monitoring/42/resolve", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestActorID(t *testing.T) {
	if got := ActorID(context.Background()); got != "" {
		t.Errorf("ActorID() = %q, want empty", got)
	}
	ctx := WithPrincipal(context.Background(), &Principal{ID: "andi"})
	if got := ActorID(ctx); got != "andi" {
		t.Errorf("ActorID() = %q, want andi", got)
	}
}

func testLimiters(t *testing.T) map[string]Limiter {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Limiter{
		"memory": NewMemoryLimiter(2, time.Minute),
		"redis":  NewRedisLimiter(client, "meridian:ratelimit:", 2, time.Minute),
	}
}

func TestRateLimit(t *testing.T) {
	for name, limiter := range testLimiters(t) {
		t.Run(name, func(t *testing.T) {
			handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			send := func(addr string) *httptest.ResponseRecorder {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations", nil)
				req.RemoteAddr = addr + ":5555"
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, req)
				return w
			}

			for i := 0; i < 2; i++ {
				if w := send("10.0.0.1"); w.Code != http.StatusOK {
					t.Fatalf("request %d status = %d, want 200", i, w.Code)
				}
			}
			w := send("10.0.0.1")
			if w.Code != http.StatusTooManyRequests {
				t.Errorf("third request status = %d, want 429", w.Code)
			}
			if w.Header().Get("Retry-After") != "60" {
				t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
			}

			// Other clients have their own window.
			if w := send("10.0.0.2"); w.Code != http.StatusOK {
				t.Errorf("other client status = %d, want 200", w.Code)
			}
		})
	}
}

func TestMemoryLimiter_WindowResets(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	if ok, _, _ := l.Allow(ctx, "k"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _, _ := l.Allow(ctx, "k"); ok {
		t.Fatal("second request allowed")
	}
	now = now.Add(time.Minute)
	if ok, remaining, _ := l.Allow(ctx, "k"); !ok || remaining != 0 {
		t.Errorf("after window: ok=%v remaining=%d", ok, remaining)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "10.1.1.1:1234", "10.1.1.1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.1:1", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.7"}, "10.0.0.1:1", "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
