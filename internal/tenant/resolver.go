// Package tenant maps inbound request identity to a catalog tenant.
//
// Resolution follows a precedence chain: explicit X-Tenant-ID header,
// X-User-Email domain, ?tenant= query parameter, host subdomain, then
// the configured default. Explicit references to an unknown tenant fail
// instead of falling through, so a typo cannot silently land a request
// in another tenant's data; implicit signals (email domain, subdomain)
// fall through to the next source.
package tenant

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orbiteos/joule/internal/catalog"
	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
)

var log = logging.Component("tenant")

// Request headers consumed by the resolver.
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserEmail = "X-User-Email"
)

// Subdomains never treated as tenant codes.
var reservedSubdomains = map[string]struct{}{
	"www": {},
	"api": {},
	"app": {},
}

// Directory is the catalog surface the resolver reads.
type Directory interface {
	TenantByCode(ctx context.Context, code string) (*catalog.Tenant, error)
	TenantByEmailDomain(ctx context.Context, domain string) (*catalog.Tenant, error)
}

// Config holds resolver configuration.
type Config struct {
	// DefaultTenant is the code assumed when a request carries no tenant
	// signal at all. Empty disables the fallback.
	DefaultTenant string `yaml:"default_tenant"`

	// BaseDomains are apex domains whose first label is a tenant code
	// (acme.orbiteos.nl selects "acme").
	BaseDomains []string `yaml:"base_domains"`

	// CacheTTL bounds how long resolved tenants serve from cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDomains: []string{"orbiteos.nl", "orbiteos.io", "orbiteos.com"},
		CacheTTL:    30 * time.Second,
	}
}

// Resolver resolves tenants with a TTL cache in front of the catalog.
// Lookups for the same key are collapsed, so a cache expiry under load
// costs one catalog query, not a stampede.
type Resolver struct {
	cfg Config
	dir Directory

	group   singleflight.Group
	nowFunc func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	tenant   *catalog.Tenant
	settings Settings
	expires  time.Time
}

// New creates a resolver over a catalog directory.
func New(dir Directory, cfg Config) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Resolver{
		cfg:     cfg,
		dir:     dir,
		nowFunc: time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Resolve determines the tenant for an HTTP request. The returned
// tenant is shared with the cache and must be treated as read-only.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*catalog.Tenant, error) {
	if code := req.Header.Get(HeaderTenantID); code != "" {
		return r.ByCode(ctx, code)
	}

	if email := req.Header.Get(HeaderUserEmail); email != "" {
		if domain, ok := EmailDomain(email); ok {
			t, err := r.ByEmailDomain(ctx, domain)
			if err == nil {
				return t, nil
			}
			if !errors.Is(err, errors.ErrTenantNotFound) {
				return nil, err
			}
		}
	}

	if code := req.URL.Query().Get("tenant"); code != "" {
		return r.ByCode(ctx, code)
	}

	if sub, ok := r.subdomain(req.Host); ok {
		t, err := r.ByCode(ctx, sub)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, errors.ErrTenantNotFound) {
			return nil, err
		}
	}

	if r.cfg.DefaultTenant == "" {
		return nil, fmt.Errorf("no tenant identity on request: %w", errors.ErrTenantRequired)
	}
	return r.ByCode(ctx, r.cfg.DefaultTenant)
}

// ByCode resolves a tenant by its code.
func (r *Resolver) ByCode(ctx context.Context, code string) (*catalog.Tenant, error) {
	return r.lookup(ctx, "code:"+code, func(ctx context.Context) (*catalog.Tenant, error) {
		return r.dir.TenantByCode(ctx, code)
	})
}

// ByEmailDomain resolves a tenant by an email domain, with or without
// the leading "@".
func (r *Resolver) ByEmailDomain(ctx context.Context, domain string) (*catalog.Tenant, error) {
	domain = catalog.NormalizeDomain(domain)
	return r.lookup(ctx, "domain:"+domain, func(ctx context.Context) (*catalog.Tenant, error) {
		return r.dir.TenantByEmailDomain(ctx, domain)
	})
}

// Invalidate drops all cache entries for one tenant code. Call after
// updating the tenant in the catalog.
func (r *Resolver) Invalidate(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.cache {
		if e.tenant.Code == code {
			delete(r.cache, key)
		}
	}
}

// InvalidateAll empties the cache. Called after bulk provisioning.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// ============================================================================
// Internals
// ============================================================================

// lookup serves key from cache, collapsing concurrent misses into one
// directory call. Only found tenants are cached.
func (r *Resolver) lookup(ctx context.Context, key string, fetch func(context.Context) (*catalog.Tenant, error)) (*catalog.Tenant, error) {
	if e, ok := r.cached(key); ok {
		return e.tenant, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have filled the cache while this one
		// waited for the group slot.
		if e, ok := r.cached(key); ok {
			return e.tenant, nil
		}

		t, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.store(key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalog.Tenant), nil
}

func (r *Resolver) cached(key string) (cacheEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[key]
	if !ok || r.nowFunc().After(e.expires) {
		return cacheEntry{}, false
	}
	return e, true
}

func (r *Resolver) store(key string, t *catalog.Tenant) {
	settings, err := ParseSettings(t.ConfigJSON)
	if err != nil {
		// A malformed config blob must not make the tenant unreachable.
		log.Warn("invalid tenant config blob", "tenant", t.Code, "error", err)
		settings = Settings{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{
		tenant:   t,
		settings: settings,
		expires:  r.nowFunc().Add(r.cfg.CacheTTL),
	}
}

// subdomain extracts a tenant code from the request host when it is a
// first-level label under one of the configured base domains.
func (r *Resolver) subdomain(host string) (string, bool) {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	for _, base := range r.cfg.BaseDomains {
		rest, ok := strings.CutSuffix(host, "."+strings.ToLower(base))
		if !ok || rest == "" || strings.Contains(rest, ".") {
			continue
		}
		if _, reserved := reservedSubdomains[rest]; reserved {
			return "", false
		}
		return rest, true
	}
	return "", false
}

// EmailDomain extracts the lowercased "@domain" part of an email
// address. Reports false when the input has no domain part.
func EmailDomain(email string) (string, bool) {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return "", false
	}
	return "@" + strings.ToLower(domain), true
}
