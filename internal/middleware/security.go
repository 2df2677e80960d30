package middleware

import (
	"encoding/xml"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blobcrypt/internal/audit"
)

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a fixed window limiter keyed by client address.
type RateLimiter struct {
	mu          sync.Mutex
	requests    map[string]*tokenBucket
	limit       int
	window      time.Duration
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      *logrus.Logger
}

type tokenBucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per
// client. Stop releases its cleanup goroutine.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		requests:    make(map[string]*tokenBucket),
		limit:       limit,
		window:      window,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		logger:      logger,
	}
	go rl.cleanup(window * 2)
	return rl
}

func (rl *RateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, bucket := range rl.requests {
				if now.Sub(bucket.lastUpdate) > interval {
					delete(rl.requests, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Allow reports whether a request from key fits in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.requests[key]
	if !ok || now.Sub(bucket.lastUpdate) >= rl.window {
		rl.requests[key] = &tokenBucket{tokens: rl.limit - 1, lastUpdate: now}
		return true
	}
	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// RateLimitMiddleware rejects clients over their limit with 503 SlowDown,
// the status S3 clients back off on.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)
			if !limiter.Allow(client) {
				limiter.logger.WithFields(logrus.Fields{
					"client": client,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")
				writeXMLError(w, r, http.StatusServiceUnavailable, "SlowDown", "Please reduce your request rate.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BucketAllowlistMiddleware rejects requests for buckets that match none of
// patterns. Paths outside the blob namespace are always allowed. An empty
// pattern list allows every bucket.
func BucketAllowlistMiddleware(patterns []string, logger *logrus.Logger) func(http.Handler) http.Handler {
	if len(patterns) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/ready" || strings.HasPrefix(path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			bucket, _ := extractBucketAndKey(path)
			if bucket == "" || !bucketAllowed(bucket, patterns) {
				logger.WithFields(logrus.Fields{
					"bucket": bucket,
					"path":   path,
					"method": r.Method,
				}).Warn("Access denied: bucket is not allowed")
				writeXMLError(w, r, http.StatusForbidden, "AccessDenied", "Access Denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bucketAllowed(bucket string, patterns []string) bool {
	for _, pattern := range patterns {
		if glob.Glob(pattern, bucket) {
			return true
		}
	}
	return false
}

type xmlError struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId,omitempty"`
}

// writeXMLError writes an S3 style error body.
func writeXMLError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(xmlError{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}
