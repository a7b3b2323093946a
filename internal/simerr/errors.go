// Package simerr holds the error taxonomy shared by the simulation runtime.
package simerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these.
var (
	ErrConfig            = errors.New("configuration error")
	ErrPortExhaustion    = errors.New("port exhaustion")
	ErrBind              = errors.New("bind failed")
	ErrPublish           = errors.New("publish failed")
	ErrRestart           = errors.New("restart failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ConfigError reports a configuration problem detected before any device starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PortExhaustionError means a pool cannot satisfy a request.
type PortExhaustionError struct {
	Family    string
	Requested int
	Available int
}

func (e *PortExhaustionError) Error() string {
	return fmt.Sprintf("port exhaustion in %s pool: requested %d, available %d",
		e.Family, e.Requested, e.Available)
}

func (e *PortExhaustionError) Unwrap() error { return ErrPortExhaustion }

// BindError wraps an adapter bind failure for one device.
type BindError struct {
	DeviceID string
	Port     int
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s on port %d: %v", e.DeviceID, e.Port, e.Err)
}

func (e *BindError) Unwrap() []error { return []error{ErrBind, e.Err} }

// PublishError wraps a per-tick adapter write failure.
type PublishError struct {
	DeviceID string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.DeviceID, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublish, e.Err} }

// RestartError reports a restart that could not re-bind the device.
type RestartError struct {
	DeviceID string
	Err      error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart %s: %v", e.DeviceID, e.Err)
}

func (e *RestartError) Unwrap() []error { return []error{ErrRestart, e.Err} }

// NotFound returns an error wrapping ErrNotFound for the given kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

func IsConfig(err error) bool     { return errors.Is(err, ErrConfig) }
func IsExhaustion(err error) bool { return errors.Is(err, ErrPortExhaustion) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }

// IsTransient reports whether the error is expected to clear on a later tick.
func IsTransient(err error) bool { return errors.Is(err, ErrPublish) }
