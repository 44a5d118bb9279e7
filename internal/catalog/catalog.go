// Package catalog stores the relational side of the platform: tenants,
// their email domains, sites, and devices. Telemetry itself never
// touches this database; series are keyed by tenant code and flow
// through internal/storage.
//
// The catalog runs on GORM so deployments can pick sqlite (embedded,
// the default), postgres, or mysql per config.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
)

var log = logging.Component("catalog")

// Config holds catalog database configuration.
type Config struct {
	// Driver selects the database backend: sqlite, postgres, mysql.
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string. For sqlite this is
	// the database file path.
	DSN string `yaml:"dsn"`

	// Connection pool settings.
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// LogQueries enables per-query logging. Noisy; debugging only.
	LogQueries bool `yaml:"log_queries"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "joule-catalog.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store provides access to the tenant catalog.
type Store struct {
	db *gorm.DB
}

// Open connects to the catalog database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %s", cfg.Driver)
	}

	logLevel := gormlogger.Silent
	if cfg.LogQueries {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}

	log.Info("catalog opened", "driver", cfg.Driver)
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// NormalizeDomain lowercases an email domain and ensures the leading
// "@" the domain table stores.
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}
	if !strings.HasPrefix(domain, "@") {
		domain = "@" + domain
	}
	return domain
}

// ============================================================================
// Tenant Lookups
// ============================================================================

// TenantByCode returns the tenant with the given code.
func (s *Store) TenantByCode(ctx context.Context, code string) (*Tenant, error) {
	var t Tenant
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tenant %q: %w", code, errors.ErrTenantNotFound)
		}
		return nil, fmt.Errorf("lookup tenant %q: %w", code, err)
	}
	return &t, nil
}

// TenantByEmailDomain returns the tenant owning an email domain.
// The domain may be passed with or without the leading "@".
func (s *Store) TenantByEmailDomain(ctx context.Context, domain string) (*Tenant, error) {
	domain = NormalizeDomain(domain)
	var t Tenant
	err := s.db.WithContext(ctx).
		Joins("JOIN tenant_email_domains ON tenant_email_domains.tenant_id = tenants.id").
		Where("tenant_email_domains.domain = ?", domain).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("email domain %q: %w", domain, errors.ErrTenantNotFound)
		}
		return nil, fmt.Errorf("lookup tenant by domain %q: %w", domain, err)
	}
	return &t, nil
}

// ListTenants returns all tenants ordered by code.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	if err := s.db.WithContext(ctx).Order("code").Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

// ============================================================================
// Site and Device Lookups
// ============================================================================

// ListSites returns a tenant's sites ordered by name.
func (s *Store) ListSites(ctx context.Context, tenantID uint) ([]Site, error) {
	var sites []Site
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("name").
		Find(&sites).Error
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// SiteByCode returns a tenant's site with the given code.
func (s *Store) SiteByCode(ctx context.Context, tenantID uint, code string) (*Site, error) {
	var site Site
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND code = ?", tenantID, code).
		First(&site).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("site %q: %w", code, errors.ErrSiteNotFound)
		}
		return nil, fmt.Errorf("lookup site %q: %w", code, err)
	}
	return &site, nil
}

// ListDevices returns a tenant's devices, optionally restricted to one
// site (siteID 0 means all sites). Ordered by type then name.
func (s *Store) ListDevices(ctx context.Context, tenantID, siteID uint) ([]Device, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if siteID != 0 {
		q = q.Where("site_id = ?", siteID)
	}

	var devices []Device
	if err := q.Order("type, name").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// ============================================================================
// Provisioning Upserts
// ============================================================================

// UpsertTenant creates the tenant or updates its mutable fields,
// matching on code. Reports whether the tenant was created.
func (s *Store) UpsertTenant(ctx context.Context, t *Tenant) (bool, error) {
	db := s.db.WithContext(ctx)

	var existing Tenant
	err := db.Where("code = ?", t.Code).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(t).Error; err != nil {
			return false, fmt.Errorf("create tenant %q: %w", t.Code, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("lookup tenant %q: %w", t.Code, err)
	}

	existing.Name = t.Name
	existing.LogoURL = t.LogoURL
	existing.PrimaryColor = t.PrimaryColor
	existing.SecondaryColor = t.SecondaryColor
	existing.ConfigJSON = t.ConfigJSON
	if err := db.Save(&existing).Error; err != nil {
		return false, fmt.Errorf("update tenant %q: %w", t.Code, err)
	}

	*t = existing
	return false, nil
}

// SetEmailDomains reconciles a tenant's email domain mappings: domains
// not in the list are removed, missing ones are added.
func (s *Store) SetEmailDomains(ctx context.Context, tenantID uint, domains []string) error {
	want := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if nd := NormalizeDomain(d); nd != "" {
			want[nd] = struct{}{}
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []EmailDomain
		if err := tx.Where("tenant_id = ?", tenantID).Find(&existing).Error; err != nil {
			return fmt.Errorf("list email domains: %w", err)
		}

		have := make(map[string]struct{}, len(existing))
		for _, d := range existing {
			have[d.Domain] = struct{}{}
			if _, ok := want[d.Domain]; !ok {
				if err := tx.Delete(&EmailDomain{}, d.ID).Error; err != nil {
					return fmt.Errorf("remove email domain %q: %w", d.Domain, err)
				}
			}
		}

		for d := range want {
			if _, ok := have[d]; ok {
				continue
			}
			if err := tx.Create(&EmailDomain{TenantID: tenantID, Domain: d}).Error; err != nil {
				return fmt.Errorf("add email domain %q: %w", d, err)
			}
		}
		return nil
	})
}

// UpsertSite creates or updates a site, matching on (tenant, code).
// Reports whether the site was created.
func (s *Store) UpsertSite(ctx context.Context, site *Site) (bool, error) {
	db := s.db.WithContext(ctx)

	var existing Site
	err := db.Where("tenant_id = ? AND code = ?", site.TenantID, site.Code).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(site).Error; err != nil {
			return false, fmt.Errorf("create site %q: %w", site.Code, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("lookup site %q: %w", site.Code, err)
	}

	existing.Name = site.Name
	existing.Type = site.Type
	existing.City = site.City
	existing.Country = site.Country
	existing.GridConnectionKW = site.GridConnectionKW
	if site.Status != "" {
		existing.Status = site.Status
	}
	if err := db.Save(&existing).Error; err != nil {
		return false, fmt.Errorf("update site %q: %w", site.Code, err)
	}

	*site = existing
	return false, nil
}

// UpsertDevice creates or updates a device, matching on
// (site, device_id). Reports whether the device was created.
func (s *Store) UpsertDevice(ctx context.Context, dev *Device) (bool, error) {
	db := s.db.WithContext(ctx)

	var existing Device
	err := db.Where("site_id = ? AND device_id = ?", dev.SiteID, dev.DeviceID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(dev).Error; err != nil {
			return false, fmt.Errorf("create device %q: %w", dev.DeviceID, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("lookup device %q: %w", dev.DeviceID, err)
	}

	existing.Type = dev.Type
	existing.Name = dev.Name
	existing.RatedPowerKW = dev.RatedPowerKW
	if dev.Status != "" {
		existing.Status = dev.Status
	}
	if err := db.Save(&existing).Error; err != nil {
		return false, fmt.Errorf("update device %q: %w", dev.DeviceID, err)
	}

	*dev = existing
	return false, nil
}

// ============================================================================
// Statistics
// ============================================================================

// Counts holds catalog entity counts.
type Counts struct {
	Tenants int64 `json:"tenants"`
	Sites   int64 `json:"sites"`
	Devices int64 `json:"devices"`
}

// Count returns entity counts across all tenants.
func (s *Store) Count(ctx context.Context) (Counts, error) {
	var c Counts
	db := s.db.WithContext(ctx)

	if err := db.Model(&Tenant{}).Count(&c.Tenants).Error; err != nil {
		return c, fmt.Errorf("count tenants: %w", err)
	}
	if err := db.Model(&Site{}).Count(&c.Sites).Error; err != nil {
		return c, fmt.Errorf("count sites: %w", err)
	}
	if err := db.Model(&Device{}).Count(&c.Devices).Error; err != nil {
		return c, fmt.Errorf("count devices: %w", err)
	}
	return c, nil
}
