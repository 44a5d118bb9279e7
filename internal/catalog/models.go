package catalog

import (
	"time"
)

// Tenant is an organization with exclusive access to its telemetry.
// Code is the external identifier: it appears in API paths, series
// storage, and provisioning files. The numeric ID stays internal to
// the catalog.
type Tenant struct {
	ID             uint   `gorm:"primaryKey" json:"-"`
	Code           string `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Name           string `gorm:"size:255;not null" json:"name"`
	LogoURL        string `gorm:"size:512" json:"logo_url,omitempty"`
	PrimaryColor   string `gorm:"size:16" json:"primary_color,omitempty"`
	SecondaryColor string `gorm:"size:16" json:"secondary_color,omitempty"`

	// ConfigJSON holds free-form tenant settings as a JSON document.
	ConfigJSON string `gorm:"column:config;type:text" json:"config,omitempty"`

	EmailDomains []EmailDomain `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Sites        []Site        `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName customizes the table name.
func (Tenant) TableName() string {
	return "tenants"
}

// EmailDomain maps an email domain to a tenant for user-based
// resolution. Domains are stored with the leading "@".
type EmailDomain struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	TenantID uint   `gorm:"index;not null" json:"-"`
	Domain   string `gorm:"uniqueIndex;size:255;not null" json:"domain"`
}

// TableName customizes the table name.
func (EmailDomain) TableName() string {
	return "tenant_email_domains"
}

// Site is a physical location (a home, plant, or campus) belonging to
// a tenant. Site codes are unique per tenant.
type Site struct {
	ID               uint    `gorm:"primaryKey" json:"-"`
	TenantID         uint    `gorm:"uniqueIndex:idx_tenant_site;not null" json:"-"`
	Code             string  `gorm:"uniqueIndex:idx_tenant_site;size:64;not null" json:"site_code"`
	Name             string  `gorm:"size:255" json:"name"`
	Type             string  `gorm:"size:32" json:"type"`
	City             string  `gorm:"size:128" json:"city,omitempty"`
	Country          string  `gorm:"size:2" json:"country,omitempty"`
	GridConnectionKW float64 `json:"grid_connection_kw,omitempty"`
	Status           string  `gorm:"size:32;default:active" json:"status"`

	Devices []Device `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName customizes the table name.
func (Site) TableName() string {
	return "sites"
}

// Device is a telemetry-producing asset at a site. DeviceID is the
// external identifier used as the device part of series keys
// ("PV001.power"), unique per site. TenantID is denormalized so
// tenant-wide listings skip the site join.
type Device struct {
	ID           uint    `gorm:"primaryKey" json:"-"`
	TenantID     uint    `gorm:"index;not null" json:"-"`
	SiteID       uint    `gorm:"uniqueIndex:idx_site_device;not null" json:"-"`
	DeviceID     string  `gorm:"uniqueIndex:idx_site_device;size:64;not null" json:"device_id"`
	Type         string  `gorm:"size:32" json:"type"`
	Name         string  `gorm:"size:255" json:"name"`
	RatedPowerKW float64 `json:"rated_power_kw,omitempty"`
	Status       string  `gorm:"size:32;default:online" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName customizes the table name.
func (Device) TableName() string {
	return "devices"
}

// AllModels returns every model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Tenant{},
		&EmailDomain{},
		&Site{},
		&Device{},
	}
}
