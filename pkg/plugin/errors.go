package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a plugin id has no stored record
var ErrNotFound = errors.New("plugin not found")

// ValidationError is terminal: the package is malformed and retrying the
// same bytes cannot succeed. All problems found in one pass are collected
// so the caller sees the full list at once.
type ValidationError struct {
	Reasons []string
}

// NewValidationError creates a validation error with a single reason
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reasons: []string{reason}}
}

func (e *ValidationError) Error() string {
	return "invalid plugin package: " + strings.Join(e.Reasons, "; ")
}

// AcquisitionError covers fetch and unpack failures: network errors,
// timeouts, bad status codes, oversized or corrupt archives. Retriable.
type AcquisitionError struct {
	Source string // "url", "archive", "registry", "install"
	Reason string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquisition from %s failed: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("acquisition from %s failed: %s", e.Source, e.Reason)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// PermissionError is returned when a plugin invokes a capability its
// manifest never declared.
type PermissionError struct {
	PluginID   string
	Capability Capability
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("plugin %s has not declared capability %q", e.PluginID, e.Capability)
}

// ForbiddenError rejects an operation the host does not allow regardless of
// input: uninstalling a bundled plugin, mutations in public access mode.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return e.Reason
}

// RenderError wraps a failure trapped by an isolation boundary. It never
// propagates past the boundary that caught it.
type RenderError struct {
	PluginID  string
	OptionsID string
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render of %s/%s failed: %v", e.PluginID, e.OptionsID, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// StoreError wraps a failed store operation
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("plugin store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsAcquisition reports whether err came from package retrieval; these
// failures are retriable once the source recovers.
func IsAcquisition(err error) bool {
	var ae *AcquisitionError
	return errors.As(err, &ae)
}

// IsValidation reports whether err is a terminal validation failure
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsForbidden reports whether err is a host policy rejection, including a
// capability the caller never held.
func IsForbidden(err error) bool {
	var fe *ForbiddenError
	if errors.As(err, &fe) {
		return true
	}
	var pe *PermissionError
	return errors.As(err, &pe)
}
