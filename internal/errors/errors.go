// LOCATION: internal/errors/errors.go
// VERSION: 2.0 - Consolidated error definitions for the entire project
//
// This file provides:
// - API error codes
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// API error codes - used in HTTP error responses
// ============================================================================

const (
	CodeUnknown           int32 = 1
	CodeAuthFailed        int32 = 2
	CodeNotAuthenticated  int32 = 3
	CodeInvalidRequest    int32 = 4
	CodeNotFound          int32 = 5
	CodeAlreadyExists     int32 = 6
	CodeInternal          int32 = 7
	CodeNotAuthorized     int32 = 8
	CodeTenantRequired    int32 = 9
	CodeConcurrentMod     int32 = 10
	CodeUnknownTenant     int32 = 11
	CodeLateWrite         int32 = 12
	CodeClockSkew         int32 = 13
	CodeTimeout           int32 = 14
	CodeCorruptChunk      int32 = 15
	CodeCompressionFailed int32 = 16
	CodeThrottled         int32 = 17
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeAuthFailed:
		return "AuthFailed"
	case CodeNotAuthenticated:
		return "NotAuthenticated"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeInternal:
		return "Internal"
	case CodeNotAuthorized:
		return "NotAuthorized"
	case CodeTenantRequired:
		return "TenantRequired"
	case CodeConcurrentMod:
		return "ConcurrentModification"
	case CodeUnknownTenant:
		return "UnknownTenant"
	case CodeLateWrite:
		return "LateWrite"
	case CodeClockSkew:
		return "ClockSkew"
	case CodeTimeout:
		return "Timeout"
	case CodeCorruptChunk:
		return "CorruptChunk"
	case CodeCompressionFailed:
		return "CompressionFailed"
	case CodeThrottled:
		return "Throttled"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Ingestion/query taxonomy
	ErrUnknownTenant     = errors.New("unknown tenant")
	ErrLateWrite         = errors.New("late write: timestamp below writable boundary")
	ErrClockSkew         = errors.New("clock skew: timestamp too far in the future")
	ErrTimeout           = errors.New("timeout")
	ErrCompressionFailed = errors.New("chunk compression failed")
	ErrCorruptChunk      = errors.New("corrupt chunk")

	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrTenantNotFound = errors.New("tenant not found")
	ErrSeriesNotFound = errors.New("series not found")
	ErrChunkNotFound  = errors.New("chunk not found")
	ErrSiteNotFound   = errors.New("site not found")
	ErrDeviceNotFound = errors.New("device not found")

	// Already exists errors
	ErrAlreadyExists       = errors.New("already exists")
	ErrTenantAlreadyExists = errors.New("tenant already exists")
	ErrChunkAlreadyExists  = errors.New("chunk already exists")
	ErrDeviceAlreadyExists = errors.New("device already exists")

	// Validation errors
	ErrInvalidSeriesKey  = errors.New("invalid series key")
	ErrInvalidTenantCode = errors.New("invalid tenant code")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrInvalidRange      = errors.New("invalid time range")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidPayload    = errors.New("invalid request payload")
	ErrMissingField      = errors.New("missing required field")

	// State errors
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrChunkNotWritable  = errors.New("chunk is not writable")
	ErrStoreClosed       = errors.New("store is closed")
	ErrNotRunning        = errors.New("service is not running")

	// Auth errors
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTenantRequired   = errors.New("tenant binding required")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
	ErrWAL      = errors.New("write-ahead log error")

	// Store-specific errors
	ErrConcurrentModification = errors.New("concurrent modification detected (state mismatch)")
	ErrThrottled              = errors.New("ingestion throttled by backpressure")
	ErrInUse                  = errors.New("in use")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrSeriesNotFound) ||
		errors.Is(err, ErrChunkNotFound) ||
		errors.Is(err, ErrSiteNotFound) ||
		errors.Is(err, ErrDeviceNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrTenantAlreadyExists) ||
		errors.Is(err, ErrChunkAlreadyExists) ||
		errors.Is(err, ErrDeviceAlreadyExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSeriesKey) ||
		errors.Is(err, ErrInvalidTenantCode) ||
		errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrInvalidResolution) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrMissingField)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrChunkNotWritable) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, ErrNotRunning)
}

// IsAuthError returns true if err is an authentication/authorization error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTenantRequired)
}

// IsIngestReject returns true if err is a per-point ingestion rejection.
// These are reported in batch results, never fatal to the batch.
func IsIngestReject(err error) bool {
	return errors.Is(err, ErrLateWrite) ||
		errors.Is(err, ErrClockSkew) ||
		errors.Is(err, ErrUnknownTenant) ||
		errors.Is(err, ErrChunkNotWritable) ||
		IsValidation(err)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCompressionFailed) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrThrottled)
}

// ============================================================================
// Error to API code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its API code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	// Auth errors
	case Is(err, ErrInvalidToken):
		return CodeAuthFailed
	case Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case Is(err, ErrTenantRequired):
		return CodeTenantRequired

	// Ingestion/query taxonomy
	case Is(err, ErrUnknownTenant):
		return CodeUnknownTenant
	case Is(err, ErrLateWrite):
		return CodeLateWrite
	case Is(err, ErrClockSkew):
		return CodeClockSkew
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrCorruptChunk):
		return CodeCorruptChunk
	case Is(err, ErrCompressionFailed):
		return CodeCompressionFailed
	case Is(err, ErrThrottled):
		return CodeThrottled

	// Not found
	case IsNotFound(err):
		return CodeNotFound

	// Already exists
	case IsAlreadyExists(err):
		return CodeAlreadyExists

	// Validation
	case IsValidation(err):
		return CodeInvalidRequest

	// Concurrent modification
	case Is(err, ErrConcurrentModification):
		return CodeConcurrentMod

	// Default to internal
	default:
		return CodeInternal
	}
}

// CodeToError maps an API code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeAuthFailed:
		return ErrInvalidToken
	case CodeNotAuthenticated:
		return ErrNotAuthenticated
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeNotFound:
		return ErrNotFound
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeNotAuthorized:
		return ErrNotAuthorized
	case CodeTenantRequired:
		return ErrTenantRequired
	case CodeConcurrentMod:
		return ErrConcurrentModification
	case CodeUnknownTenant:
		return ErrUnknownTenant
	case CodeLateWrite:
		return ErrLateWrite
	case CodeClockSkew:
		return ErrClockSkew
	case CodeTimeout:
		return ErrTimeout
	case CodeCorruptChunk:
		return ErrCorruptChunk
	case CodeCompressionFailed:
		return ErrCompressionFailed
	case CodeThrottled:
		return ErrThrottled
	default:
		return ErrInternal
	}
}

// HTTPStatus maps an API code to an HTTP status code.
func HTTPStatus(code int32) int {
	switch code {
	case CodeAuthFailed, CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeNotAuthorized, CodeTenantRequired:
		return http.StatusForbidden
	case CodeInvalidRequest, CodeLateWrite, CodeClockSkew:
		return http.StatusBadRequest
	case CodeNotFound, CodeUnknownTenant:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConcurrentMod:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
