package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"
)

// requestIDKey is the context key for request IDs.
type requestIDKey struct{}

// SecurityHeaders adds standard defensive headers and handles the CORS
// preflight, exact-matching the origin whitelist to avoid bypasses like
// "evil-example.com".
func SecurityHeaders(allowedOrigins map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")

			origin := r.Header.Get("Origin")
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token, Authorization, X-Request-ID")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySize limits the size of incoming request bodies to guard
// against oversized-payload abuse.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID stamps every request with a short hex id, echoed in the
// response header and reachable from the request context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			idBytes := make([]byte, 8)
			if _, err := rand.Read(idBytes); err == nil {
				requestID = hex.EncodeToString(idBytes)
			}
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request id stamped by RequestID.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireJSONContentType rejects POST/PUT bodies that don't declare
// application/json.
func RequireJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// TokenAuth is a simple shared-secret guard for non-health endpoints,
// useful when the service is reachable beyond localhost.
type TokenAuth struct {
	ExemptPaths map[string]bool
	token       string
	enabled     bool
	mu          sync.RWMutex
}

// NewTokenAuth builds a TokenAuth. If enabled is false every request
// passes through unchecked (local/dev mode).
func NewTokenAuth(enabled bool, token string) *TokenAuth {
	return &TokenAuth{
		enabled: enabled,
		token:   token,
		ExemptPaths: map[string]bool{
			"/health": true, "/ready": true, "/live": true,
		},
	}
}

func (ta *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ta.mu.RLock()
		enabled, token, exempt := ta.enabled, ta.token, ta.ExemptPaths[r.URL.Path]
		ta.mu.RUnlock()

		if !enabled || exempt {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-Auth-Token")
		if provided == "" {
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				provided = bearer
			}
		}
		if provided != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter is a per-client token bucket.
type clientLimiter struct {
	lastUpdate time.Time
	rate       float64
	burst      int
	tokens     float64
	mu         sync.Mutex
}

func newClientLimiter(rate float64, burst int) *clientLimiter {
	return &clientLimiter{rate: rate, burst: burst, tokens: float64(burst), lastUpdate: time.Now()}
}

func (l *clientLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastUpdate = now
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

func (l *clientLimiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// PerClientRateLimiter rate-limits each remote client independently,
// identified by X-Real-IP (when present, e.g. behind a proxy) or
// RemoteAddr, evicting idle clients periodically so the map doesn't grow
// without bound.
type PerClientRateLimiter struct {
	clients         map[string]*clientLimiter
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	lastCleanup     time.Time
	mu              sync.Mutex
}

// NewPerClientRateLimiter builds a limiter allowing rate requests/sec
// with the given burst, per distinct client.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate: rate, burst: burst,
		clients:         make(map[string]*clientLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

func (p *PerClientRateLimiter) Allow(clientKey string) bool {
	p.mu.Lock()
	if time.Since(p.lastCleanup) > p.cleanupInterval {
		p.cleanupLocked()
	}
	limiter, ok := p.clients[clientKey]
	if !ok {
		limiter = newClientLimiter(p.rate, p.burst)
		p.clients[clientKey] = limiter
	}
	p.mu.Unlock()
	return limiter.allow()
}

func (p *PerClientRateLimiter) cleanupLocked() {
	now := time.Now()
	for key, limiter := range p.clients {
		if now.Sub(limiter.idleSince()) > p.maxIdleTime {
			delete(p.clients, key)
		}
	}
	p.lastCleanup = now
}

// Middleware applies PerClientRateLimiter to every request.
func (p *PerClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if real := r.Header.Get("X-Real-IP"); real != "" {
			key = real
		}
		if !p.Allow(key) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cooldownLimiter gates a single expensive operation behind a minimum
// interval between invocations; a full schema sync pages through every
// row of every table, so back-to-back requests are refused.
type cooldownLimiter struct {
	mu       sync.Mutex
	last     time.Time
	cooldown time.Duration
}

func newCooldownLimiter(cooldown time.Duration) *cooldownLimiter {
	return &cooldownLimiter{cooldown: cooldown}
}

func (c *cooldownLimiter) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if !c.last.IsZero() && now.Sub(c.last) < c.cooldown {
		return false
	}
	c.last = now
	return true
}
