package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/kit"
)

// SecurityHeaders sets the headers every JSON response carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// HeadToGet lets r.Get routes answer HEAD requests.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps request bodies at maxBytes.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID propagates X-Request-ID, generating one when absent, and logs
// each request with it.
func RequestID(gen idgen.Generator, logger *slog.Logger) func(http.Handler) http.Handler {
	if gen == nil {
		gen = idgen.Prefixed("req_", idgen.Default)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = gen()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithTransport(ctx, "http")
			ctx = kit.WithRemoteAddr(ctx, ClientIP(r))

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))
			logger.Info("http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RateLimit bounds requests per client IP in a fixed window.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces a RateLimit per client IP. Expired buckets are
// dropped on the next sweep.
type RateLimiter struct {
	limit RateLimit
	mu    sync.Mutex
	ips   map[string]*bucket
	swept time.Time
	now   func() time.Time
}

// NewRateLimiter returns a limiter for limit. A zero MaxRequests allows
// everything.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return &RateLimiter{limit: limit, ips: make(map[string]*bucket), now: time.Now}
}

func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	if rl.limit.MaxRequests <= 0 {
		return true, 0
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.swept) > 5*rl.limit.Window {
		for k, b := range rl.ips {
			if now.After(b.resetAt) {
				delete(rl.ips, k)
			}
		}
		rl.swept = now
	}
	b, ok := rl.ips[ip]
	if !ok || now.After(b.resetAt) {
		rl.ips[ip] = &bucket{count: 1, resetAt: now.Add(rl.limit.Window)}
		return true, 0
	}
	b.count++
	return b.count <= rl.limit.MaxRequests, b.resetAt.Sub(now)
}

// Middleware answers 429 once a client exceeds the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.allow(ClientIP(r))
		if !ok {
			secs := int(wait.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
