package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Export writes one numeric entity value to the ble_state measurement.
// Satisfies the publisher's exporter interface; the write is non-blocking
// and batched.
func (c *Client) Export(deviceID, entity string, value float64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"ble_state",
		map[string]string{
			"device_id": deviceID,
			"entity":    entity,
		},
		map[string]interface{}{
			"value": value,
		},
		at,
	)

	c.writeAPI.WritePoint(point)
}
