// Unified error handling for the Ampel host controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Link errors
	ErrDeviceNotFound            ErrorCode = "DEVICE_NOT_FOUND"
	ErrServiceUnavailable        ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCharacteristicUnavailable ErrorCode = "CHARACTERISTIC_UNAVAILABLE"
	ErrConnectionFailed          ErrorCode = "CONNECTION_FAILED"
	ErrNotConnected              ErrorCode = "NOT_CONNECTED"
	ErrWriteFailed               ErrorCode = "WRITE_FAILED"

	// Protocol errors
	ErrPayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrUnknownIntent   ErrorCode = "UNKNOWN_INTENT"
	ErrUploadFailed    ErrorCode = "UPLOAD_FAILED"

	// Event API errors
	ErrAPIUnreachable  ErrorCode = "API_UNREACHABLE"
	ErrAPIMalformed    ErrorCode = "API_MALFORMED"
	ErrNoSessionsFound ErrorCode = "NO_SESSIONS_FOUND"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a HostError with the same code. This lets
// callers match against the sentinel values below with the standard errors.Is.
func (e *HostError) Is(target error) bool {
	t, ok := target.(*HostError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Sentinels for errors.Is matching. Only the code is compared.
var (
	NotConnected     = New(ErrNotConnected, "device not connected")
	DeviceNotFound   = New(ErrDeviceNotFound, "device not found")
	ConnectionFailed = New(ErrConnectionFailed, "connection failed")
	WriteFailed      = New(ErrWriteFailed, "write failed")
	UploadFailed     = New(ErrUploadFailed, "schedule upload failed")
	APIUnreachable   = New(ErrAPIUnreachable, "event API unreachable")
	APIMalformed     = New(ErrAPIMalformed, "event API response malformed")
	NoSessionsFound  = New(ErrNoSessionsFound, "no races found")
	PayloadTooLarge  = New(ErrPayloadTooLarge, "payload too large")
)

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Link errors

// DeviceNotFoundError reports that no peripheral matched the name filter.
func DeviceNotFoundError(filter string) *HostError {
	return New(ErrDeviceNotFound, fmt.Sprintf("no device matching %q", filter)).
		SetContext("filter", filter)
}

// ServiceUnavailableError reports a missing primary service.
func ServiceUnavailableError(service string, err error) *HostError {
	return Wrap(err, ErrServiceUnavailable, fmt.Sprintf("service %s unavailable", service))
}

// CharacteristicUnavailableError reports a missing command channel.
func CharacteristicUnavailableError(channel string, err error) *HostError {
	return Wrap(err, ErrCharacteristicUnavailable, fmt.Sprintf("channel %s unavailable", channel)).
		SetContext("channel", channel)
}

// ConnectionFailedError reports exhausted connection retries.
func ConnectionFailedError(attempts int, err error) *HostError {
	return Wrap(err, ErrConnectionFailed, fmt.Sprintf("giving up after %d attempts", attempts)).
		SetContext("attempts", attempts)
}

// NotConnectedError reports a write attempted without an active link.
func NotConnectedError(operation string) *HostError {
	return New(ErrNotConnected, fmt.Sprintf("%s: device not connected", operation))
}

// WriteFailedError wraps a transport-level write exception.
func WriteFailedError(channel string, err error) *HostError {
	return Wrap(err, ErrWriteFailed, fmt.Sprintf("write to %s failed", channel)).
		SetContext("channel", channel)
}

// PayloadTooLargeError reports a payload exceeding the per-write limit.
func PayloadTooLargeError(size, limit int) *HostError {
	return New(ErrPayloadTooLarge, fmt.Sprintf("payload of %d bytes exceeds limit %d", size, limit))
}

// UnknownIntentError reports an intent the serializer cannot encode.
func UnknownIntentError(kind string) *HostError {
	return New(ErrUnknownIntent, fmt.Sprintf("unknown intent %q", kind))
}

// UploadFailedError reports an abandoned schedule upload.
func UploadFailedError(phase string, err error) *HostError {
	return Wrap(err, ErrUploadFailed, fmt.Sprintf("schedule upload abandoned during %s", phase)).
		SetContext("phase", phase)
}

// Event API errors

// APIUnreachableError wraps a network failure against the event API.
func APIUnreachableError(url string, err error) *HostError {
	return Wrap(err, ErrAPIUnreachable, fmt.Sprintf("request to %s failed", url))
}

// APIMalformedError reports an undecodable or unexpected response body.
func APIMalformedError(url string, reason string) *HostError {
	return New(ErrAPIMalformed, fmt.Sprintf("%s: %s", url, reason))
}

// NoSessionsFoundError reports an empty filtered fetch result.
func NoSessionsFoundError(input string) *HostError {
	return New(ErrNoSessionsFound, fmt.Sprintf("no races found for %s", input))
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// FromPanic converts a recovered panic value to an error. It returns nil
// for a nil value, so it can be called as FromPanic(recover()) inside a
// deferred function.
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return RuntimeError(x.Error())
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if error matches given error code anywhere in its chain
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost HostError in the chain, or
// ErrRuntime when the chain carries none.
func CodeOf(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ErrRuntime
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsLink checks if error originates from the device link
func IsLink(err error) bool {
	return Is(err, ErrDeviceNotFound) ||
		Is(err, ErrServiceUnavailable) ||
		Is(err, ErrCharacteristicUnavailable) ||
		Is(err, ErrConnectionFailed) ||
		Is(err, ErrNotConnected) ||
		Is(err, ErrWriteFailed)
}

// IsAPI checks if error originates from the event API client
func IsAPI(err error) bool {
	return Is(err, ErrAPIUnreachable) ||
		Is(err, ErrAPIMalformed) ||
		Is(err, ErrNoSessionsFound)
}
