// Package loader handles configuration file loading, validation, and
// application.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives
//   - Applying tenant provisioning to the catalog
//   - Pushing the retention policy into the running store on reload
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbiteos/joule/internal/catalog"
	"github.com/orbiteos/joule/internal/constants"
	"github.com/orbiteos/joule/internal/errors"
	storageconfig "github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/tenant"
	"github.com/orbiteos/joule/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (load additional tenant files)
	baseDir := filepath.Dir(path)
	if err := processIncludes(cfg, baseDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		// Resolve relative paths
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		// Expand glob pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude loads a single include file and merges its tenant blocks.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	// Parse into a partial config
	var partial Config
	if err := yaml.Unmarshal([]byte(expanded), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if cfg.Tenants == nil {
		cfg.Tenants = make(map[string]*TenantSpec)
	}
	for code, spec := range partial.Tenants {
		cfg.Tenants[code] = spec
	}

	return nil
}

// =============================================================================
// Validate
// =============================================================================

var validResolutions = map[string]struct{}{
	"raw": {}, "5m": {}, "1h": {}, "1d": {},
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server validation
	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}

	// Auth validation
	if len(cfg.Auth.Tokens) == 0 {
		errs.AddField("auth.tokens", "at least one token is required")
	}
	for i, t := range cfg.Auth.Tokens {
		if t.ID == "" {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].id", i), "cannot be empty")
		}
		if t.Token == "" {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].token", i), "cannot be empty")
		}
		for _, code := range t.Tenants {
			if err := validation.ValidateTenantCode(code); err != nil {
				errs.AddField(fmt.Sprintf("auth.tokens[%d].tenants", i), err.Error())
			}
		}
	}

	// Catalog validation
	switch cfg.Catalog.Driver {
	case "", "sqlite", "postgres", "mysql":
	default:
		errs.AddField("catalog.driver", fmt.Sprintf("unsupported driver %q", cfg.Catalog.Driver))
	}
	if cfg.Catalog.DSN == "" {
		errs.AddField("catalog.dsn", "cannot be empty")
	}

	// Store validation delegates to the storage config's own rules.
	if cfg.Store == nil {
		errs.AddField("store", "cannot be null")
	} else if err := cfg.Store.Validate(); err != nil {
		errs.AddField("store", err.Error())
	}

	// Tenant provisioning validation
	for code, spec := range cfg.Tenants {
		validateTenantSpec(errs, code, spec)
	}

	return errs.Err()
}

func validateTenantSpec(errs *errors.ValidationErrors, code string, spec *TenantSpec) {
	field := func(parts ...string) string {
		return "tenants." + code + "." + strings.Join(parts, ".")
	}

	if err := validation.ValidateTenantCode(code); err != nil {
		errs.AddField("tenants."+code, err.Error())
	}
	if spec == nil {
		errs.AddField("tenants."+code, "cannot be null")
		return
	}
	if spec.Name == "" {
		errs.AddField(field("name"), "cannot be empty")
	}

	for _, domain := range spec.EmailDomains {
		if !strings.Contains(domain, ".") {
			errs.AddField(field("email_domains"), fmt.Sprintf("%q does not look like a domain", domain))
		}
	}

	// The config blob must round-trip to typed settings, and retention
	// overrides must be parseable durations with known resolution names.
	// Runtime parsing is lenient; validation is where mistakes surface.
	if len(spec.Config) > 0 {
		blob, err := json.Marshal(spec.Config)
		if err != nil {
			errs.AddField(field("config"), err.Error())
		} else {
			settings, err := tenant.ParseSettings(string(blob))
			if err != nil {
				errs.AddField(field("config"), err.Error())
			}
			for res, raw := range settings.Retention {
				if _, ok := validResolutions[res]; !ok {
					errs.AddField(field("config", "retention"), fmt.Sprintf("unknown resolution %q", res))
				}
				if _, err := time.ParseDuration(raw); err != nil {
					errs.AddField(field("config", "retention", res), fmt.Sprintf("invalid duration %q", raw))
				}
			}
		}
	}

	for siteCode, site := range spec.Sites {
		if site == nil {
			errs.AddField(field("sites", siteCode), "cannot be null")
			continue
		}
		if site.Name == "" {
			errs.AddField(field("sites", siteCode, "name"), "cannot be empty")
		}
		if site.Type != "" && !constants.IsValidSiteType(site.Type) {
			errs.AddField(field("sites", siteCode, "type"), fmt.Sprintf("unknown site type %q", site.Type))
		}
		if site.Status != "" && !constants.IsValidSiteStatus(site.Status) {
			errs.AddField(field("sites", siteCode, "status"), fmt.Sprintf("unknown site status %q", site.Status))
		}
		if site.Country != "" && len(site.Country) != 2 {
			errs.AddField(field("sites", siteCode, "country"), "must be a 2-letter code")
		}

		for devID, dev := range site.Devices {
			if dev == nil {
				errs.AddField(field("sites", siteCode, "devices", devID), "cannot be null")
				continue
			}
			// Device IDs become the device part of series keys.
			if devID == "" || strings.ContainsAny(devID, ".* \t") {
				errs.AddField(field("sites", siteCode, "devices", devID), "device ID must have no dots, wildcards, or spaces")
			}
			if dev.Type == "" {
				errs.AddField(field("sites", siteCode, "devices", devID, "type"), "cannot be empty")
			} else if !constants.IsValidDeviceType(dev.Type) {
				errs.AddField(field("sites", siteCode, "devices", devID, "type"), fmt.Sprintf("unknown device type %q", dev.Type))
			}
			if dev.Status != "" && !constants.IsValidDeviceStatus(dev.Status) {
				errs.AddField(field("sites", siteCode, "devices", devID, "status"), fmt.Sprintf("unknown device status %q", dev.Status))
			}
		}
	}
}

// =============================================================================
// Apply
// =============================================================================

// RetentionSink receives the retention policy on load and reload.
type RetentionSink interface {
	SetRetentionPolicy(p storageconfig.RetentionConfig)
}

// Deps are the running components Apply writes to. Catalog is required
// for tenant provisioning; Resolver and Retention may be nil.
type Deps struct {
	Catalog   *catalog.Store
	Resolver  *tenant.Resolver
	Retention RetentionSink
}

// ApplyResult holds statistics from applying configuration.
type ApplyResult struct {
	TenantsCreated int
	TenantsUpdated int
	SitesCreated   int
	SitesUpdated   int
	DevicesCreated int
	DevicesUpdated int

	RetentionReloaded bool

	Errors []string
}

// Apply provisions the declared tenants into the catalog and pushes the
// retention policy into the store. Individual tenant failures are
// collected, not fatal to the rest of the apply.
func Apply(ctx context.Context, cfg *Config, deps Deps) (*ApplyResult, error) {
	result := &ApplyResult{}

	if deps.Catalog != nil {
		for code, spec := range cfg.Tenants {
			applyTenant(ctx, deps.Catalog, code, spec, result)
		}
		if deps.Resolver != nil {
			deps.Resolver.InvalidateAll()
		}
	}

	if deps.Retention != nil && cfg.Store != nil {
		deps.Retention.SetRetentionPolicy(cfg.Store.Retention)
		result.RetentionReloaded = true
	}

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("apply had %d errors", len(result.Errors))
	}
	return result, nil
}

func applyTenant(ctx context.Context, store *catalog.Store, code string, spec *TenantSpec, result *ApplyResult) {
	var blob string
	if len(spec.Config) > 0 {
		b, err := json.Marshal(spec.Config)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tenant %s: marshal config: %v", code, err))
			return
		}
		blob = string(b)
	}

	t := &catalog.Tenant{
		Code:           code,
		Name:           spec.Name,
		LogoURL:        spec.Branding.LogoURL,
		PrimaryColor:   spec.Branding.PrimaryColor,
		SecondaryColor: spec.Branding.SecondaryColor,
		ConfigJSON:     blob,
	}
	created, err := store.UpsertTenant(ctx, t)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tenant %s: %v", code, err))
		return
	}
	if created {
		result.TenantsCreated++
	} else {
		result.TenantsUpdated++
	}

	if err := store.SetEmailDomains(ctx, t.ID, spec.EmailDomains); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tenant %s: %v", code, err))
	}

	for siteCode, siteSpec := range spec.Sites {
		applySite(ctx, store, t, siteCode, siteSpec, result)
	}
}

func applySite(ctx context.Context, store *catalog.Store, t *catalog.Tenant, code string, spec *SiteSpec, result *ApplyResult) {
	site := &catalog.Site{
		TenantID:         t.ID,
		Code:             code,
		Name:             spec.Name,
		Type:             spec.Type,
		City:             spec.City,
		Country:          spec.Country,
		GridConnectionKW: spec.GridConnectionKW,
		Status:           spec.Status,
	}
	created, err := store.UpsertSite(ctx, site)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("site %s/%s: %v", t.Code, code, err))
		return
	}
	if created {
		result.SitesCreated++
	} else {
		result.SitesUpdated++
	}

	for devID, devSpec := range spec.Devices {
		dev := &catalog.Device{
			TenantID:     t.ID,
			SiteID:       site.ID,
			DeviceID:     devID,
			Type:         devSpec.Type,
			Name:         devSpec.Name,
			RatedPowerKW: devSpec.RatedPowerKW,
			Status:       devSpec.Status,
		}
		created, err := store.UpsertDevice(ctx, dev)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("device %s/%s/%s: %v", t.Code, code, devID, err))
			continue
		}
		if created {
			result.DevicesCreated++
		} else {
			result.DevicesUpdated++
		}
	}
}

// =============================================================================
// Config Watcher
// =============================================================================

// Watcher watches a config file for changes and reapplies it.
type Watcher struct {
	path     string
	deps     Deps
	callback func(*ApplyResult)
	done     chan struct{}
	modTime  time.Time
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, deps Deps, callback func(*ApplyResult)) *Watcher {
	return &Watcher{
		path:     path,
		deps:     deps,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start begins watching the config file.
func (w *Watcher) Start() {
	// Get initial mod time
	if info, err := os.Stat(w.path); err == nil {
		w.modTime = info.ModTime()
	}

	go w.watch()
}

// Stop stops watching.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) watch() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}

			if info.ModTime().After(w.modTime) {
				w.modTime = info.ModTime()
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	fail := func(err error) {
		if w.callback != nil {
			w.callback(&ApplyResult{Errors: []string{err.Error()}})
		}
	}

	cfg, err := Load(w.path)
	if err != nil {
		fail(fmt.Errorf("reload config: %w", err))
		return
	}
	// A bad edit must not half-apply.
	if err := Validate(cfg); err != nil {
		fail(fmt.Errorf("reload config: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, _ := Apply(ctx, cfg, w.deps)
	if w.callback != nil {
		w.callback(result)
	}
}
