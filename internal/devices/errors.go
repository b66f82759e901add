package devices

import "errors"

// Domain-specific errors for device drivers.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnknownDeviceType is returned when no driver is registered for a
	// configured type tag.
	ErrUnknownDeviceType = errors.New("devices: unknown device type")

	// ErrMalformedPayload is returned for wire data with a bad length,
	// magic byte or checksum. The payload is dropped; the session stays up.
	ErrMalformedPayload = errors.New("devices: malformed payload")

	// ErrAuthenticationFailed is returned when the device rejects the
	// configured key or token.
	ErrAuthenticationFailed = errors.New("devices: authentication failed")

	// ErrCommandRejected is returned when the device NACKs a command.
	ErrCommandRejected = errors.New("devices: command rejected by device")

	// ErrUnknownCommand is returned for a command the driver does not
	// understand.
	ErrUnknownCommand = errors.New("devices: unknown command")

	// ErrInvalidKey is returned at construction for a malformed encryption
	// key.
	ErrInvalidKey = errors.New("devices: invalid key")

	// ErrResponseTimeout is returned when the device does not answer a
	// request in time.
	ErrResponseTimeout = errors.New("devices: response timeout")

	// ErrNotReady is returned for actuator commands issued before the
	// device finished initialization.
	ErrNotReady = errors.New("devices: device not ready")

	// ErrUnsupportedMode is returned at construction when the configured
	// passive flag asks for a mode the family cannot operate in.
	ErrUnsupportedMode = errors.New("devices: unsupported mode")
)
