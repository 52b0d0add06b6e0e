package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ipEntry tracks request volume for a single source IP within the current
// one-minute window.
type ipEntry struct {
	count     int
	windowEnd time.Time
}

// ipLimiter is an in-memory per-IP fixed-window rate limiter, generalized
// from the proxy's login-attempt limiter to bound raw request volume
// instead of counting only failures.
type ipLimiter struct {
	mu           sync.Mutex
	entries      map[string]*ipEntry
	perMinute    int
	stop         chan struct{}
}

func newIPLimiter(perMinute int) *ipLimiter {
	l := &ipLimiter{
		entries:   make(map[string]*ipEntry),
		perMinute: perMinute,
		stop:      make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

// cleanup removes entries whose window has already expired.
func (l *ipLimiter) cleanup() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if now.After(e.windowEnd) {
			delete(l.entries, ip)
		}
	}
}

// allow records one request for ip and reports whether it is still within
// the configured per-minute budget.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e, ok := l.entries[ip]
	if !ok || now.After(e.windowEnd) {
		e = &ipEntry{count: 0, windowEnd: now.Add(time.Minute)}
		l.entries[ip] = e
	}
	e.count++
	return e.count <= l.perMinute
}

// RateLimit returns a gin middleware bounding requests per source IP to
// perMinute within a fixed one-minute window that opens at the IP's first
// request after the previous window expired, plus a stop function to
// release the background cleanup goroutine on shutdown. perMinute<=0
// disables the limiter.
func RateLimit(perMinute int) (gin.HandlerFunc, func()) {
	limiter := newIPLimiter(perMinute)

	mw := func(c *gin.Context) {
		if perMinute <= 0 {
			c.Next()
			return
		}
		if !limiter.allow(ClientIP(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests", "code": http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}

	return mw, func() { close(limiter.stop) }
}

// ClientIP extracts the client IP using Gin's built-in ClientIP method,
// which honours the engine's trusted-proxy configuration and safely handles
// X-Forwarded-For chains. Falls back to RemoteAddr when no proxy is trusted.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}
