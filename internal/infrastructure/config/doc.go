// Package config loads and validates the bridge configuration document.
//
// The document supplies MQTT connection parameters, BLE adapter selection and
// an ordered list of device entries. Recognised per-device options are
// address, type, passive, key, product_id, interval, threshold,
// send_data_period, sdp_activation and friendly_name; unrecognised or omitted
// options fall back to family-specific defaults inside the driver framework.
//
// Validation here is document-wide only (duplicate addresses, broker
// settings). Family-level checks run at driver construction so a single
// misconfigured device never blocks the rest.
package config
