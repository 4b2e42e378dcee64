// Package middleware provides the HTTP middleware chain: rate
// limiting, bearer authentication, request ids, and request logging.
package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const bucketIdleEviction = 10 * time.Minute

// RateLimiter enforces per-identity token-bucket admission: capacity N
// with a refill rate of N/60 tokens per second. Identity is the remote
// address for plain requests and the user id for streaming admission.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    rate.Limit
	capacity int
	logger   *log.Logger
}

type bucket struct {
	limiter *rate.Limiter
	// fullSince is non-zero while the bucket sits at capacity; buckets
	// full for bucketIdleEviction are garbage-collected.
	fullSince time.Time
}

// NewRateLimiter builds a limiter admitting requestsPerMinute per
// identity and starts the eviction sweep.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		capacity: requestsPerMinute,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.evictLoop()
	return rl
}

// Allow consumes one token for the identity. It returns the remaining
// headroom alongside the decision so callers can set rate headers.
func (rl *RateLimiter) Allow(identity string) (ok bool, remaining int) {
	rl.mu.Lock()
	b, exists := rl.buckets[identity]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.capacity)}
		rl.buckets[identity] = b
	}
	rl.mu.Unlock()

	ok = b.limiter.Allow()
	remaining = int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	if !ok {
		rl.logger.Printf("rate limit exceeded: identity=%s", identity)
	}
	return ok, remaining
}

// Headroom reports remaining tokens without consuming one; used by the
// health endpoints which bypass admission.
func (rl *RateLimiter) Headroom(identity string) int {
	rl.mu.Lock()
	b, exists := rl.buckets[identity]
	rl.mu.Unlock()
	if !exists {
		return rl.capacity
	}
	n := int(b.limiter.Tokens())
	if n < 0 {
		n = 0
	}
	return n
}

// Middleware rejects over-limit requests with 429 and a retry hint.
// Liveness and readiness probes bypass admission.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		identity := clientAddr(r)
		ok, remaining := rl.Allow(identity)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.capacity))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// evictLoop drops buckets that have been back at capacity for a while.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.mu.Lock()
		for key, b := range rl.buckets {
			if b.limiter.Tokens() >= float64(rl.capacity) {
				if b.fullSince.IsZero() {
					b.fullSince = now
				} else if now.Sub(b.fullSince) >= bucketIdleEviction {
					delete(rl.buckets, key)
				}
			} else {
				b.fullSince = time.Time{}
			}
		}
		rl.mu.Unlock()
	}
}

// clientAddr strips the port from RemoteAddr, honoring X-Forwarded-For
// when a proxy sits in front.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
