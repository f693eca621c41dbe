package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures keyed rate limiting.
type RateLimitConfig struct {
	// Rate is the number of events allowed per second per key.
	Rate rate.Limit
	// Burst is the maximum burst size per key.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig returns defaults for general API rate limiting:
// 20 requests/second with burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// DialRateLimitConfig returns limits for dial requests per organization,
// expressed as dials per minute.
func DialRateLimitConfig(perMinute int) RateLimitConfig {
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return RateLimitConfig{
		Rate:            rate.Limit(float64(perMinute) / 60),
		Burst:           burst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          30 * time.Minute,
	}
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter keeps one token bucket per key (client IP, organization).
type KeyedRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
	cfg     RateLimitConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
}

// NewKeyedRateLimiter creates a limiter and starts background cleanup.
func NewKeyedRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *KeyedRateLimiter {
	rl := &KeyedRateLimiter{
		entries: make(map[string]*limitEntry),
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether one more event for key is allowed now.
func (rl *KeyedRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &limitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *KeyedRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *KeyedRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (rl *KeyedRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// RateLimit returns HTTP middleware that rate limits requests by client IP.
// When the limit is exceeded it returns 429 Too Many Requests with a
// Retry-After header.
func RateLimit(limiter *KeyedRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			if !limiter.Allow(ip) {
				limiter.logger.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP address from RemoteAddr without the port.
// chi's RealIP middleware should run first when behind a reverse proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
