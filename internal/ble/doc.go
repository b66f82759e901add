// Package ble provides the radio abstraction for the bridge.
//
// A single passive scan feeds the advertisement Bus, which fans reports out
// to per-device subscribers with bounded buffers and short-window
// deduplication. GATT connections go through the Adapter interface; the
// Linux implementation sits on go-ble's HCI stack.
package ble
