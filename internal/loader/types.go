package loader

import (
	"github.com/orbiteos/joule/config"
	"github.com/orbiteos/joule/internal/catalog"
	storageconfig "github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/tenant"
)

// Config is the root server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Logging.
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json or text

	TLS  TLSConfig  `yaml:"tls"`
	Auth AuthConfig `yaml:"auth"`

	// Catalog is the relational tenant catalog.
	Catalog catalog.Config `yaml:"catalog"`

	// Resolver controls request-to-tenant mapping.
	Resolver tenant.Config `yaml:"resolver"`

	// Store is the telemetry store configuration subtree.
	Store *storageconfig.Config `yaml:"store"`

	// Tenants declares tenants to provision, keyed by tenant code.
	Tenants map[string]*TenantSpec `yaml:"tenants"`

	// Include lists additional config files (glob patterns, relative to
	// the main file) whose tenant blocks merge into this one.
	Include []string `yaml:"include"`
}

// TLSConfig enables TLS when both paths are set.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	// RateLimitPerMinute caps failed authentication attempts per client
	// IP before further attempts are rejected outright.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig is one static bearer token.
type TokenConfig struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`

	// Tenants restricts the token to these tenant codes. Empty means
	// unrestricted; admin endpoints require an unrestricted token.
	Tenants []string `yaml:"tenants"`
}

// TenantSpec declares one tenant for provisioning.
type TenantSpec struct {
	Name         string       `yaml:"name"`
	EmailDomains []string     `yaml:"email_domains"`
	Branding     BrandingSpec `yaml:"branding"`

	// Config is the tenant's free-form config blob (retention
	// overrides, feature flags). Stored as JSON in the catalog.
	Config map[string]interface{} `yaml:"config"`

	// Sites keyed by site code.
	Sites map[string]*SiteSpec `yaml:"sites"`
}

// BrandingSpec holds tenant dashboard branding.
type BrandingSpec struct {
	LogoURL        string `yaml:"logo_url"`
	PrimaryColor   string `yaml:"primary_color"`
	SecondaryColor string `yaml:"secondary_color"`
}

// SiteSpec declares one site.
type SiteSpec struct {
	Name             string  `yaml:"name"`
	Type             string  `yaml:"type"`
	City             string  `yaml:"city"`
	Country          string  `yaml:"country"`
	GridConnectionKW float64 `yaml:"grid_connection_kw"`
	Status           string  `yaml:"status"`

	// Devices keyed by device ID (the device part of series keys).
	Devices map[string]*DeviceSpec `yaml:"devices"`
}

// DeviceSpec declares one device.
type DeviceSpec struct {
	Type         string  `yaml:"type"`
	Name         string  `yaml:"name"`
	RatedPowerKW float64 `yaml:"rated_power_kw"`
	Status       string  `yaml:"status"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    config.DefaultListenAddress,
		LogLevel:  "info",
		LogFormat: "json",
		Auth: AuthConfig{
			RateLimitPerMinute: config.DefaultAuthRateLimitPerMinute,
		},
		Catalog:  catalog.DefaultConfig(),
		Resolver: tenant.DefaultConfig(),
		Store:    storageconfig.DefaultConfig(),
	}
}
