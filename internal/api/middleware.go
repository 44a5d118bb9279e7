package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/orbiteos/joule/internal/catalog"
	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
)

// =============================================================================
// Request Context
// =============================================================================

type contextKey int

const (
	tokenContextKey contextKey = iota
	tenantContextKey
)

// tokenFrom returns the authenticated token, nil outside requireAuth.
func tokenFrom(ctx context.Context) *TokenConfig {
	tok, _ := ctx.Value(tokenContextKey).(*TokenConfig)
	return tok
}

// tenantFrom returns the bound tenant, nil outside requireTenant.
func tenantFrom(ctx context.Context) *catalog.Tenant {
	t, _ := ctx.Value(tenantContextKey).(*catalog.Tenant)
	return t
}

// =============================================================================
// Middleware
// =============================================================================

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// logRequests writes one line per completed request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", clientIP(r),
			"duration", time.Since(start))
	})
}

// cors answers preflight requests and stamps the CORS headers dashboards
// need.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-ID, X-User-Email")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth authenticates the bearer token and rate limits failed
// attempts per client IP.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.authLimiter.IsBlocked(ip) {
			log.Warn("blocked due to too many failed auth attempts", "remote", ip)
			writeError(w, fmt.Errorf("too many failed auth attempts: %w", errors.ErrThrottled))
			return
		}

		tok, ok := s.tokens.Lookup(bearerToken(r))
		if !ok {
			s.authLimiter.RecordFailure(ip)
			log.Warn("auth failed", "remote", ip,
				"failure_count", s.authLimiter.GetFailureCount(ip))
			writeError(w, errors.ErrInvalidToken)
			return
		}
		s.authLimiter.Reset(ip)

		ctx := context.WithValue(r.Context(), tokenContextKey, tok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireTenant binds the request to a tenant and checks the token may
// act for it. Runs after requireAuth.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := s.resolver.Resolve(r.Context(), r)
		if err != nil {
			writeError(w, err)
			return
		}

		tok := tokenFrom(r.Context())
		if tok == nil || !tok.CanAccessTenant(tenant.Code) {
			writeError(w, fmt.Errorf("token not valid for tenant %q: %w",
				tenant.Code, errors.ErrNotAuthorized))
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, tenant)
		ctx = logging.ContextWithTenantID(ctx, tenant.Code)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin restricts a route to unrestricted tokens. Runs after
// requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := tokenFrom(r.Context())
		if tok == nil || !tok.IsAdmin() {
			writeError(w, fmt.Errorf("admin access requires an unrestricted token: %w",
				errors.ErrNotAuthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
