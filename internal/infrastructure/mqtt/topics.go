package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the bridge's MQTT topic names.
//
// All device topics follow the scheme
//
//	{base_topic}/{device_prefix}{address}/{entity}/state
//	{base_topic}/{device_prefix}{address}/{entity}/set
//
// where address is the device identifier derived from the BLE MAC. The
// device prefix keeps this bridge's topics apart from other BLE software
// sharing the broker.
type Topics struct {
	base   string
	prefix string
}

// NewTopics creates a topic builder for the given base topic and device
// prefix.
func NewTopics(base, prefix string) Topics {
	return Topics{base: base, prefix: prefix}
}

// deviceRoot returns {base}/{prefix}{deviceID}.
func (t Topics) deviceRoot(deviceID string) string {
	return fmt.Sprintf("%s/%s%s", t.base, t.prefix, deviceID)
}

// DeviceState returns the state topic for one entity of a device.
//
// Example: blebridge/ble_112233aaccaa/temperature/state
func (t Topics) DeviceState(deviceID, entity string) string {
	return fmt.Sprintf("%s/%s/state", t.deviceRoot(deviceID), entity)
}

// DeviceCommand returns the command topic for one entity of a device.
//
// Example: blebridge/ble_112233aaccaa/kettle/set
func (t Topics) DeviceCommand(deviceID, entity string) string {
	return fmt.Sprintf("%s/%s/set", t.deviceRoot(deviceID), entity)
}

// DeviceAvailability returns the per-device availability topic.
//
// Example: blebridge/ble_112233aaccaa/availability
func (t Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/availability", t.deviceRoot(deviceID))
}

// BridgeAvailability returns the process-wide availability topic used for
// the LWT and graceful shutdown marker.
//
// Example: blebridge/bridge/availability
func (t Topics) BridgeAvailability() string {
	return fmt.Sprintf("%s/bridge/availability", t.base)
}

// AllDeviceCommands returns a wildcard pattern matching every command topic
// under the base topic.
//
// Pattern: blebridge/+/+/set
func (t Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/+/set", t.base)
}

// ParseCommand extracts the device ID and entity from a command topic. ok
// is false for topics outside the command scheme or with a foreign device
// prefix.
func (t Topics) ParseCommand(topic string) (deviceID, entity string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.base+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return "", "", false
	}
	deviceID, found = strings.CutPrefix(parts[0], t.prefix)
	if !found || deviceID == "" || parts[1] == "" {
		return "", "", false
	}
	return deviceID, parts[1], true
}

// Discovery returns the platform discovery topic for one entity.
//
// Example: homeassistant/sensor/ble_112233aaccaa/temperature/config
func (t Topics) Discovery(discoveryPrefix, component, deviceID, entity string) string {
	return fmt.Sprintf("%s/%s/%s%s/%s/config", discoveryPrefix, component, t.prefix, deviceID, entity)
}
