package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime queues one point for the next batch. Points written
// after Close are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.queued.Add(1)
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
