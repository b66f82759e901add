// Package influxdb exports numeric device state to InfluxDB v2 for
// long-term trending. Export is optional: when disabled the bridge runs
// without it and MQTT remains the source of truth.
//
// Writes are batched and asynchronous so a slow or absent InfluxDB never
// backpressures state publication.
package influxdb
