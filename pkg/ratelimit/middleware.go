package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"bucketflow/internal/config"
	"bucketflow/pkg/metrics"
)

type Config struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RPS:             100.0,
		Burst:           200,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// FromConfig overlays the configured values on DefaultConfig.
func FromConfig(cfg config.RateLimitConfig) Config {
	out := DefaultConfig()
	if cfg.RPS > 0 {
		out.RPS = cfg.RPS
	}
	if cfg.Burst > 0 {
		out.Burst = cfg.Burst
	}
	if cfg.CleanupInterval > 0 {
		out.CleanupInterval = cfg.CleanupInterval
	}
	if cfg.MaxAge > 0 {
		out.MaxAge = cfg.MaxAge
	}
	return out
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

func (l *Limiter) get(key string) *client {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = l.now()
	return c
}

func (l *Limiter) Allow(key string) bool {
	return l.get(key).limiter.Allow()
}

// Cleanup forgets clients idle for longer than MaxAge and returns how many
// were dropped.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > l.cfg.MaxAge {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Run cleans up idle clients every CleanupInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Middleware limits requests per client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(int(l.cfg.RPS))
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		cl := l.get(clientIP)
		c.Header("X-RateLimit-Limit", limit)

		if !cl.limiter.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		remaining := int(cl.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}
