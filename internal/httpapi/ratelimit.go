package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	DevicePerMinute int
	DeviceBurst     int
	// TrustForwardedFor keys the IP bucket on X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

// RateLimiter applies one token bucket per client IP and, for scanner
// traffic, one per device UUID. Every door behind a venue NAT draws from the
// same IP bucket, so it has to be sized for the whole venue; the device
// bucket is what holds back a single misbehaving scanner.
type RateLimiter struct {
	ipLimiter         *keyedLimiter
	deviceLimiter     *keyedLimiter
	trustForwardedFor bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:         newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		deviceLimiter:     newKeyedLimiter(cfg.DevicePerMinute, cfg.DeviceBurst),
		trustForwardedFor: cfg.TrustForwardedFor,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r, l.trustForwardedFor)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		device := strings.TrimSpace(r.Header.Get(HeaderDeviceUUID))
		if device != "" && strings.HasPrefix(r.URL.Path, "/scanner/") && !l.deviceLimiter.allow(device) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterPruneSize = 4096
)

type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= limiterPruneSize {
			l.prune(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) prune(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.seen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
}

func clientIP(r *http.Request, trustForwardedFor bool) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); trustForwardedFor && forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
