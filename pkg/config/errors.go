// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"strconv"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
)

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *errors.HostError {
	return errors.ConfigOptionError(section, option)
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *errors.HostError {
	return errors.ConfigSectionError(section)
}

// ErrInvalidValue returns an error for a value that does not parse as expected.
func ErrInvalidValue(section, option, value, expected string, cause error) *errors.HostError {
	return errors.ConfigTypeError(section, option, value, expected, cause)
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("value %s %s", strconv.FormatFloat(value, 'f', -1, 64), constraint))
}

// ErrInvalidChoice returns an error for a value outside the allowed set.
func ErrInvalidChoice(section, option, value string, choices []string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
