package config

import "errors"

// Domain-specific errors for configuration loading.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidConfig is returned when the document fails validation.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrDuplicateAddress is returned when two devices share a BLE address.
	ErrDuplicateAddress = errors.New("config: duplicate device address")
)
