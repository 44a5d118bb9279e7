// Package constants provides centralized domain-specific constants
// for the entire joule application.
//
// This file consolidates the closed enums for catalog entities so
// provisioning, validation, and dashboards agree on the spelling.
package constants

// =============================================================================
// Device Types - Telemetry-producing asset classes
// =============================================================================

const (
	// DeviceTypeInverter is a PV string or hybrid inverter
	DeviceTypeInverter = "inverter"

	// DeviceTypeBattery is a stationary storage system
	DeviceTypeBattery = "battery"

	// DeviceTypeMeter is a grid or sub-circuit meter
	DeviceTypeMeter = "meter"

	// DeviceTypeEVCharger is an EV charge point
	DeviceTypeEVCharger = "ev_charger"

	// DeviceTypeWindTurbine is a wind generation unit
	DeviceTypeWindTurbine = "wind_turbine"

	// DeviceTypeHeatPump is a heat pump or HVAC unit
	DeviceTypeHeatPump = "heat_pump"

	// DeviceTypeSensor is a standalone environmental sensor
	DeviceTypeSensor = "sensor"
)

// ValidDeviceTypes contains all valid device type values
var ValidDeviceTypes = []string{
	DeviceTypeInverter,
	DeviceTypeBattery,
	DeviceTypeMeter,
	DeviceTypeEVCharger,
	DeviceTypeWindTurbine,
	DeviceTypeHeatPump,
	DeviceTypeSensor,
}

// IsValidDeviceType checks if a device type is valid
func IsValidDeviceType(t string) bool {
	for _, v := range ValidDeviceTypes {
		if v == t {
			return true
		}
	}
	return false
}

// =============================================================================
// Site Types - Location classes
// =============================================================================

const (
	// SiteTypeResidential is a home installation
	SiteTypeResidential = "residential"

	// SiteTypeCommercial is an office, retail, or campus site
	SiteTypeCommercial = "commercial"

	// SiteTypeIndustrial is a plant or heavy-load site
	SiteTypeIndustrial = "industrial"

	// SiteTypeSolarFarm is a utility-scale PV installation
	SiteTypeSolarFarm = "solar_farm"

	// SiteTypeWindFarm is a utility-scale wind installation
	SiteTypeWindFarm = "wind_farm"
)

// ValidSiteTypes contains all valid site type values
var ValidSiteTypes = []string{
	SiteTypeResidential,
	SiteTypeCommercial,
	SiteTypeIndustrial,
	SiteTypeSolarFarm,
	SiteTypeWindFarm,
}

// IsValidSiteType checks if a site type is valid
func IsValidSiteType(t string) bool {
	for _, v := range ValidSiteTypes {
		if v == t {
			return true
		}
	}
	return false
}

// =============================================================================
// Device Status - Operational state reported by bridges or operators
// =============================================================================

const (
	// DeviceStatusOnline indicates the device is reporting normally
	DeviceStatusOnline = "online"

	// DeviceStatusOffline indicates the device stopped reporting
	DeviceStatusOffline = "offline"

	// DeviceStatusMaintenance indicates the device is serviced and
	// gaps in its series are expected
	DeviceStatusMaintenance = "maintenance"

	// DeviceStatusDecommissioned indicates the device was retired;
	// history remains queryable until retention expires it
	DeviceStatusDecommissioned = "decommissioned"
)

// ValidDeviceStatuses contains all valid device status values
var ValidDeviceStatuses = []string{
	DeviceStatusOnline,
	DeviceStatusOffline,
	DeviceStatusMaintenance,
	DeviceStatusDecommissioned,
}

// IsValidDeviceStatus checks if a device status is valid
func IsValidDeviceStatus(s string) bool {
	for _, v := range ValidDeviceStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Site Status
// =============================================================================

const (
	// SiteStatusActive indicates the site is in service
	SiteStatusActive = "active"

	// SiteStatusInactive indicates the site is provisioned but not
	// yet commissioned
	SiteStatusInactive = "inactive"

	// SiteStatusDecommissioned indicates the site was retired
	SiteStatusDecommissioned = "decommissioned"
)

// ValidSiteStatuses contains all valid site status values
var ValidSiteStatuses = []string{
	SiteStatusActive,
	SiteStatusInactive,
	SiteStatusDecommissioned,
}

// IsValidSiteStatus checks if a site status is valid
func IsValidSiteStatus(s string) bool {
	for _, v := range ValidSiteStatuses {
		if v == s {
			return true
		}
	}
	return false
}
