package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"kidstream/internal/api"
)

// RateLimitConfig controls both the process-wide request limiter and the
// per-user stream-start window. With RedisAddr set the start window is
// shared across replicas; otherwise an in-process window is used.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int

	// StartLimit caps stream starts per user per StartWindow. Zero
	// disables the start limiter.
	StartLimit  int
	StartWindow time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global      *rate.Limiter
	startLimit  int
	startWindow time.Duration

	redis *redis.Client

	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		startLimit:  cfg.StartLimit,
		startWindow: cfg.StartWindow,
		windows:     make(map[string]*localWindow),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.startWindow <= 0 {
		rl.startWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.startLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})
	}
	return rl
}

func (r *rateLimiter) Close() {
	if r != nil && r.redis != nil {
		_ = r.redis.Close()
	}
}

// AllowRequest applies the process-wide token bucket.
func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowStart applies the per-user fixed window for stream starts.
func (r *rateLimiter) AllowStart(ctx context.Context, userID string) (bool, time.Duration, error) {
	if r == nil || r.startLimit <= 0 {
		return true, 0, nil
	}
	if userID == "" {
		userID = "anonymous"
	}
	if r.redis != nil {
		return r.allowStartRedis(ctx, userID)
	}
	return r.allowStartLocal(userID), 0, nil
}

func (r *rateLimiter) allowStartRedis(ctx context.Context, userID string) (bool, time.Duration, error) {
	key := fmt.Sprintf("kidstream:start:%s", userID)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.startWindow).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(r.startLimit) {
		return true, 0, nil
	}
	ttl, err := r.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = r.startWindow
	}
	return false, ttl, nil
}

func (r *rateLimiter) allowStartLocal(userID string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	window, ok := r.windows[userID]
	if !ok || now.After(window.resetAt) {
		r.windows[userID] = &localWindow{count: 1, resetAt: now.Add(r.startWindow)}
		return true
	}
	window.count++
	return window.count <= r.startLimit
}

// globalRateLimitMiddleware rejects requests over the process-wide rate.
func globalRateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			api.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "global rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startLimitMiddleware bounds stream and session starts per caller. It
// runs after authentication so the window is keyed by user, not IP.
func startLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isStartRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		caller, _ := api.CallerFromContext(r.Context())
		allowed, retryAfter, err := rl.AllowStart(r.Context(), caller.UserID)
		if err != nil {
			if logger != nil {
				logger.Error("start limiter failure", "error", err)
			}
			api.WriteError(w, http.StatusServiceUnavailable, "RATE_LIMITED", "rate limiter unavailable")
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			api.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many stream starts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isStartRequest(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	if r.URL.Path == "/streams/whip" {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/streams/children/") &&
		strings.HasSuffix(r.URL.Path, "/sessions")
}
