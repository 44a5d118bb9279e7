package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orbiteos/joule/internal/storage/config"
)

// Settings is the typed form of a tenant's config blob. The blob is
// parsed once per cache fill, not on every request.
type Settings struct {
	// Retention maps a resolution name (raw, 5m, 1h, 1d) to a Go
	// duration string. Overrides may only shorten the global windows.
	Retention map[string]string `json:"retention,omitempty"`

	// Features toggles optional dashboard surfaces per tenant.
	Features map[string]bool `json:"features,omitempty"`
}

// ParseSettings decodes a tenant config blob. Empty blobs yield zero
// settings.
func ParseSettings(blob string) (Settings, error) {
	var s Settings
	if strings.TrimSpace(blob) == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return s, fmt.Errorf("parse tenant config: %w", err)
	}
	return s, nil
}

// RetentionOverrides converts the retention map to policy form. Bad
// durations and unknown resolution names are ignored.
func (s Settings) RetentionOverrides() config.RetentionConfig {
	var rc config.RetentionConfig
	for res, raw := range s.Retention {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			continue
		}
		switch res {
		case "raw":
			rc.Raw = d
		case "5m":
			rc.FiveMin = d
		case "1h":
			rc.Hourly = d
		case "1d":
			rc.Daily = d
		}
	}
	return rc
}

// SettingsByCode returns a tenant's typed settings, resolving the
// tenant if it is not cached.
func (r *Resolver) SettingsByCode(ctx context.Context, code string) (Settings, error) {
	if e, ok := r.cached("code:" + code); ok {
		return e.settings, nil
	}

	t, err := r.ByCode(ctx, code)
	if err != nil {
		return Settings{}, err
	}
	if e, ok := r.cached("code:" + code); ok {
		return e.settings, nil
	}

	// The entry already expired again; parse directly rather than loop.
	settings, err := ParseSettings(t.ConfigJSON)
	if err != nil {
		return Settings{}, nil
	}
	return settings, nil
}

// TenantRetention supplies per-tenant retention overrides to the query
// router. Served from the resolver cache; a cold entry costs one
// catalog lookup under a short deadline. Unknown tenants and lookup
// failures mean no override.
func (r *Resolver) TenantRetention(tenantID string) config.RetentionConfig {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	settings, err := r.SettingsByCode(ctx, tenantID)
	if err != nil {
		return config.RetentionConfig{}
	}
	return settings.RetentionOverrides()
}
