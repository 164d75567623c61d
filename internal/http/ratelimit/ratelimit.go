package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter manages token-bucket limiters keyed by client IP.
type IPRateLimiter struct {
	mu             sync.Mutex
	limiters       map[string]*limiterEntry
	rate           rate.Limit
	burst          int
	idleAfter      time.Duration
	maxEntries     int
	trustedProxies []*net.IPNet
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIPRateLimiter creates a per-IP rate limiter. Forwarding headers are only
// honored when the request arrives from a trusted proxy (CIDR or single IP);
// an empty list trusts all proxies.
func NewIPRateLimiter(r rate.Limit, burst int, idleAfter time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       r,
		burst:      burst,
		idleAfter:  idleAfter,
		maxEntries: 10000,
	}

	for _, cidr := range trustedProxies {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			if ip := net.ParseIP(cidr); ip != nil {
				if ip.To4() != nil {
					_, ipnet, _ = net.ParseCIDR(cidr + "/32")
				} else {
					_, ipnet, _ = net.ParseCIDR(cidr + "/128")
				}
			}
		}
		if ipnet != nil {
			l.trustedProxies = append(l.trustedProxies, ipnet)
		}
	}

	go l.reapIdle()

	return l
}

// Middleware rejects requests exceeding the per-IP budget with 429.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.clientIP(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allow reports whether one request from ip fits the budget right now.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= l.maxEntries {
			l.evictOldestLocked()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	for ip, entry := range l.limiters {
		if oldestIP == "" || entry.lastAccess.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastAccess
		}
	}
	if oldestIP != "" {
		delete(l.limiters, oldestIP)
	}
}

func (l *IPRateLimiter) reapIdle() {
	ticker := time.NewTicker(l.idleAfter)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-2 * l.idleAfter)
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if entry.lastAccess.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *IPRateLimiter) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)

	if len(l.trustedProxies) > 0 {
		trusted := false
		for _, ipnet := range l.trustedProxies {
			if ipnet.Contains(remoteIP) {
				trusted = true
				break
			}
		}
		if !trusted {
			return remoteIP.String()
		}
	}

	// X-Forwarded-For lists client, proxy1, proxy2; the leftmost is the origin.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if parsed := net.ParseIP(xri); parsed != nil {
			return parsed.String()
		}
	}

	return remoteIP.String()
}

func parseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
