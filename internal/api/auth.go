package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Token Registry
// =============================================================================

// TokenConfig holds one static bearer token.
type TokenConfig struct {
	ID    string
	Token string

	// Tenants lists the tenant codes this token may act for.
	// Empty means unrestricted; admin endpoints require an
	// unrestricted token.
	Tenants []string
}

// tokenRegistry resolves bearer tokens to their configuration.
//
// tokenRegistry is safe for concurrent use.
type tokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]*TokenConfig // token value -> config
}

func newTokenRegistry(tokens []TokenConfig) *tokenRegistry {
	reg := &tokenRegistry{
		tokens: make(map[string]*TokenConfig, len(tokens)),
	}
	for _, t := range tokens {
		tc := t
		reg.tokens[tc.Token] = &tc
	}
	return reg
}

// Lookup validates a token value and returns its config.
func (reg *tokenRegistry) Lookup(token string) (*TokenConfig, bool) {
	if token == "" {
		return nil, false
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	cfg, ok := reg.tokens[token]
	return cfg, ok
}

// CanAccessTenant checks if a token may act for a tenant.
func (t *TokenConfig) CanAccessTenant(code string) bool {
	// Empty list means access to all tenants (admin)
	if len(t.Tenants) == 0 {
		return true
	}
	for _, c := range t.Tenants {
		if c == code {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the token is unrestricted.
func (t *TokenConfig) IsAdmin() bool {
	return len(t.Tenants) == 0
}

// =============================================================================
// Rate Limiter for Failed Authentication Attempts
// =============================================================================

// RateLimiter implements rate limiting for FAILED authentication attempts.
//
// FAILED auth attempts per IP address per time window. Successful
// authentications are NOT counted and reset the failure counter.
//
// Flow:
//  1. Request arrives
//  2. Check IsBlocked() - if true, reject immediately
//  3. Attempt authentication
//  4. If auth FAILS: call RecordFailure()
//  5. If auth SUCCEEDS: call Reset() to clear failure count
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int           // max failures before blocking
	window   time.Duration // time window for counting failures

	stop     chan struct{}
	stopOnce sync.Once
}

type rateLimitEntry struct {
	count     int       // number of failed attempts
	resetTime time.Time // when this entry expires
}

// NewRateLimiter creates a new rate limiter.
//
// Parameters:
//   - limit: maximum failed attempts before blocking
//   - window: time window for counting failures (e.g., 1 minute)
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}

	// Start cleanup goroutine
	go rl.cleanupLoop()

	return rl
}

// IsBlocked returns true if the IP has exceeded the failure limit.
// This should be called BEFORE attempting authentication.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return false
	}

	// Check if window has expired
	if time.Now().After(entry.resetTime) {
		return false
	}

	return entry.count >= rl.limit
}

// RecordFailure records a failed authentication attempt.
// This should be called AFTER a failed authentication.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]

	if !ok || now.After(entry.resetTime) {
		// New entry or window expired - start fresh
		rl.failures[ip] = &rateLimitEntry{
			count:     1,
			resetTime: now.Add(rl.window),
		}
		return
	}

	// Within window - increment counter
	entry.count++
}

// Reset clears the failure count for an IP (after successful auth).
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// GetFailureCount returns the current failure count for an IP (for testing/monitoring).
func (rl *RateLimiter) GetFailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return 0
	}

	if time.Now().After(entry.resetTime) {
		return 0
	}

	return entry.count
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stop)
	})
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Request Helpers
// =============================================================================

// bearerToken extracts the auth token from a request: the Authorization
// header when present, otherwise the token query parameter (browser
// WebSocket clients cannot set headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// clientIP returns the remote IP without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
