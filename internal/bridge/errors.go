package bridge

import "errors"

// Domain-specific errors for the bridge orchestration layer.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrCommandQueueFull is returned when a device's bounded command
	// queue rejects a new command.
	ErrCommandQueueFull = errors.New("bridge: command queue full")

	// ErrNotCommandable is returned for commands addressed to a device
	// whose driver accepts none.
	ErrNotCommandable = errors.New("bridge: device does not accept commands")

	// ErrAdapterFailed is returned when the shared BLE adapter becomes
	// unusable. Fatal to the whole process.
	ErrAdapterFailed = errors.New("bridge: ble adapter failed")

	// ErrNoDevices is returned when configuration yields no startable
	// devices.
	ErrNoDevices = errors.New("bridge: no startable devices configured")
)
