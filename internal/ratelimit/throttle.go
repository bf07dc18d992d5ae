package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/clock"
)

// ThrottleConfig configures the per-client API throttle.
type ThrottleConfig struct {
	// RequestsPerMinute is the sustained rate per client IP
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// DefaultThrottleConfig returns sensible defaults
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// Throttle is a token bucket per client. It protects the API process and is
// unrelated to the per-account action limits enforced by Limiter.
type Throttle struct {
	cfg     ThrottleConfig
	clock   clock.Clock
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewThrottle creates a throttle and starts its cleanup goroutine.
func NewThrottle(cfg ThrottleConfig, c clock.Clock) *Throttle {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if c == nil {
		c = clock.System()
	}
	t := &Throttle{
		cfg:     cfg,
		clock:   c,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go t.cleanup()
	return t
}

func (t *Throttle) cleanup() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.evictIdle(2 * time.Minute)
		case <-t.stop:
			return
		}
	}
}

func (t *Throttle) evictIdle(idle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-idle)
	for key, b := range t.clients {
		if b.lastCheck.Before(cutoff) {
			delete(t.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Allow takes one token from key's bucket.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	b, ok := t.clients[key]
	if !ok {
		t.clients[key] = &bucket{tokens: float64(t.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens = min(float64(t.cfg.BurstSize), b.tokens+elapsed*float64(t.cfg.RequestsPerMinute)/60.0)
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware throttles by client IP.
func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too_many_requests",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
