package ble

import "errors"

// Domain-specific errors for BLE operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAdapterUnavailable is returned when the HCI device cannot be opened.
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")

	// ErrScanFailed is returned when a scan terminates abnormally.
	ErrScanFailed = errors.New("ble: scan failed")

	// ErrConnectFailed is returned when a GATT connection cannot be established.
	ErrConnectFailed = errors.New("ble: connect failed")

	// ErrCharacteristicNotFound is returned when a characteristic UUID is
	// absent from the discovered profile.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")

	// ErrOperationTimeout is returned when a characteristic operation gets
	// no response within the configured window.
	ErrOperationTimeout = errors.New("ble: operation timed out")

	// ErrDisconnected is returned when the link drops while an operation is
	// in flight.
	ErrDisconnected = errors.New("ble: disconnected")
)
