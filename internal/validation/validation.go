// Package validation provides centralized input validation for joule.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/types"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for identifiers.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// TenantCodeRules returns the rules for tenant codes.
// Codes appear in URLs and file paths, so dots are not allowed.
func TenantCodeRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// SeriesKeyRules returns the rules for series keys.
func SeriesKeyRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("control character at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("path separator at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateTenantCode validates a tenant code.
func ValidateTenantCode(code string) error {
	if code == "" {
		return fmt.Errorf("empty tenant code: %w", errors.ErrInvalidTenantCode)
	}
	if err := ValidateName(code, TenantCodeRules()); err != nil {
		return fmt.Errorf("tenant code '%s': %v: %w", code, err, errors.ErrInvalidTenantCode)
	}
	return nil
}

// ValidateSeriesKey validates a series key.
func ValidateSeriesKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty series key: %w", errors.ErrInvalidSeriesKey)
	}
	if err := ValidateName(key, SeriesKeyRules()); err != nil {
		return fmt.Errorf("series key '%s': %v: %w", key, err, errors.ErrInvalidSeriesKey)
	}
	if strings.HasSuffix(key, ".") {
		return fmt.Errorf("series key '%s': trailing dot: %w", key, errors.ErrInvalidSeriesKey)
	}
	return nil
}

// ValidatePoint validates the fields of a measurement point that the
// caller controls. Timestamp gating against the chunk lifecycle happens
// later in the partition manager.
func ValidatePoint(p *types.Point) error {
	if err := ValidateTenantCode(p.TenantID); err != nil {
		return err
	}
	if err := ValidateSeriesKey(p.SeriesKey); err != nil {
		return err
	}
	if p.TimestampMs <= 0 {
		return fmt.Errorf("timestamp %d: %w", p.TimestampMs, errors.ErrInvalidTimestamp)
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return errors.NewValidation("value", "must be a finite number")
	}
	if len(p.Unit) > 32 {
		return errors.NewValidation("unit", fmt.Sprintf("too long (%d chars, max 32)", len(p.Unit)))
	}
	return nil
}

// =============================================================================
// Series Reference Parsing
// =============================================================================

// SeriesRef represents a parsed series key.
// A series key names a device and a metric ("PV001.power"), or a
// site-level composite where the device part is a logical group
// ("site.grid_import_kwh"). The metric part may itself contain dots.
type SeriesRef struct {
	Device string
	Metric string
}

// ParseSeriesRef parses a "device.metric" series key.
func ParseSeriesRef(key string) (*SeriesRef, error) {
	if err := ValidateSeriesKey(key); err != nil {
		return nil, err
	}

	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("series key '%s': expected 'device.metric': %w", key, errors.ErrInvalidSeriesKey)
	}

	device := strings.TrimSpace(parts[0])
	metric := strings.TrimSpace(parts[1])

	if device == "" {
		return nil, fmt.Errorf("series key '%s': empty device: %w", key, errors.ErrInvalidSeriesKey)
	}
	if metric == "" {
		return nil, fmt.Errorf("series key '%s': empty metric: %w", key, errors.ErrInvalidSeriesKey)
	}

	return &SeriesRef{
		Device: device,
		Metric: metric,
	}, nil
}

// String returns the string representation of the series reference.
func (r *SeriesRef) String() string {
	return r.Device + "." + r.Metric
}

// =============================================================================
// Query Pattern Validation
// =============================================================================

// IsPattern reports whether s is a wildcard pattern rather than an
// exact series key. Only a single trailing '*' is supported.
func IsPattern(s string) bool {
	return strings.Contains(s, "*")
}

// ValidateSeriesPattern validates a series selector: either an exact
// series key or a prefix pattern like "PV001.*".
func ValidateSeriesPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty series pattern: %w", errors.ErrInvalidSeriesKey)
	}

	if !IsPattern(pattern) {
		return ValidateSeriesKey(pattern)
	}

	if strings.Count(pattern, "*") > 1 {
		return fmt.Errorf("pattern '%s': multiple wildcards: %w", pattern, errors.ErrInvalidSeriesKey)
	}
	if !strings.HasSuffix(pattern, "*") {
		return fmt.Errorf("pattern '%s': wildcard must be trailing: %w", pattern, errors.ErrInvalidSeriesKey)
	}

	prefix := strings.TrimSuffix(pattern, "*")
	if prefix == "" {
		// Bare "*" selects everything for the tenant.
		return nil
	}
	if err := ValidateName(prefix, SeriesKeyRules()); err != nil {
		return fmt.Errorf("pattern '%s': %v: %w", pattern, err, errors.ErrInvalidSeriesKey)
	}
	return nil
}

// PatternPrefix returns the literal prefix of a trailing-wildcard
// pattern, or the full string when it is an exact key.
func PatternPrefix(pattern string) string {
	return strings.TrimSuffix(pattern, "*")
}

// =============================================================================
// SQL LIKE Escaping
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\[\]\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}

// SafeLikeContains creates a safe LIKE contains pattern.
func SafeLikeContains(pattern string) string {
	return "%" + EscapeLikePattern(pattern) + "%"
}

// PatternToLike converts a series selector to a safe LIKE pattern.
// "PV001.*" becomes "PV001.%"; an exact key is escaped verbatim.
func PatternToLike(pattern string) string {
	if IsPattern(pattern) {
		return SafeLikePrefix(PatternPrefix(pattern))
	}
	return EscapeLikePattern(pattern)
}
