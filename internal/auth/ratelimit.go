package auth

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	// Allow records one request for key and reports whether it is within
	// the limit, and how many requests remain in the current window.
	Allow(ctx context.Context, key string) (ok bool, remaining int, err error)
	Limit() int
	Window() time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local Limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

// NewMemoryLimiter allows limit requests per key per period.
func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Limit() int            { return l.limit }
func (l *MemoryLimiter) Window() time.Duration { return l.period }

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.period)}
		l.windows[key] = w
		l.prune(now)
	}
	w.count++
	if w.count > l.limit {
		return false, 0, nil
	}
	return true, l.limit - w.count, nil
}

// prune drops expired windows. Must be called with l.mu held.
func (l *MemoryLimiter) prune(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// RedisLimiter shares request counts between instances through Redis.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	period time.Duration
}

// NewRedisLimiter allows limit requests per key per period across every
// instance sharing client.
func NewRedisLimiter(client redis.Cmdable, prefix string, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		period: period,
	}
}

func (l *RedisLimiter) Limit() int            { return l.limit }
func (l *RedisLimiter) Window() time.Duration { return l.period }

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	k := l.prefix + key

	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		// First request of the window starts its clock.
		if err := l.client.PExpire(ctx, k, l.period).Err(); err != nil {
			return false, 0, err
		}
	}

	count := int(n)
	if count > l.limit {
		return false, 0, nil
	}
	return true, l.limit - count, nil
}

// RateLimit returns middleware limiting requests per client address. When
// the limiter itself fails the request is let through.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, remaining, err := limiter.Allow(r.Context(), "ip:"+clientIP(r))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from a request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
