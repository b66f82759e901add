package ble

import (
	"context"
	"time"
)

// Advertisement is a normalized BLE advertisement report.
//
// Addresses are normalized to uppercase colon form (AA:BB:CC:DD:EE:FF) so
// every layer above the adapter can compare them byte for byte. ServiceData
// is keyed by the lowercase 128-bit or 16-bit UUID string as the radio
// reported it.
type Advertisement struct {
	Address          string
	LocalName        string
	ManufacturerData []byte
	ServiceData      map[string][]byte
	Services         []string
	RSSI             int
	Received         time.Time
}

// Adapter abstracts the local BLE radio.
//
// The production implementation wraps go-ble's Linux HCI device; tests use
// an in-memory fake that replays canned advertisements.
type Adapter interface {
	// Scan runs a passive scan until ctx is cancelled, delivering every
	// report to handler. Duplicate reports are delivered so presence
	// tracking sees repeated advertisements.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Dial opens a GATT connection to the given address and discovers the
	// peripheral's full profile.
	Dial(ctx context.Context, address string) (Peripheral, error)

	// Close releases the radio.
	Close() error
}

// Peripheral is an open GATT connection to one device.
type Peripheral interface {
	Address() string

	// ReadCharacteristic reads the value of the characteristic with the
	// given UUID.
	ReadCharacteristic(uuid string) ([]byte, error)

	// WriteCharacteristic writes data to the characteristic with the given
	// UUID. When noResponse is true a Write Without Response is used.
	WriteCharacteristic(uuid string, data []byte, noResponse bool) error

	// Subscribe enables notifications on the characteristic and delivers
	// each value to fn. fn runs on the adapter's notification goroutine
	// and must not block.
	Subscribe(uuid string, fn func([]byte)) error

	// Unsubscribe disables notifications on the characteristic.
	Unsubscribe(uuid string) error

	// Disconnected returns a channel closed when the link drops, whether
	// by Disconnect or by the peer going away.
	Disconnected() <-chan struct{}

	// Disconnect tears down the connection.
	Disconnect() error
}
