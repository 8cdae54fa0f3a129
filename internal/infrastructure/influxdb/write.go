package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementLink   = "device_link"
	MeasurementProbe  = "device_probe"
	MeasurementSensor = "sensor_reading"
)

// WriteLinkState records a persisted link/status change for one device.
// status may be empty for classes without a protocol status.
func (c *Client) WriteLinkState(class, ip string, linked bool, status string, at time.Time) {
	fields := map[string]any{"linked": linked}
	if status != "" {
		fields["status"] = status
	}
	c.WritePoint(MeasurementLink, map[string]string{"class": class, "device": ip}, fields, at)
}

// WriteProbe records one reachability probe from the health sweeper.
func (c *Client) WriteProbe(class, ip string, up bool, rtt time.Duration, at time.Time) {
	c.WritePoint(MeasurementProbe,
		map[string]string{"class": class, "device": ip},
		map[string]any{"up": up, "rtt_ms": float64(rtt.Microseconds()) / 1000},
		at)
}

// WriteSensorReading records a raw sensor value.
func (c *Client) WriteSensorReading(ip string, value float64, at time.Time) {
	c.WritePoint(MeasurementSensor, map[string]string{"device": ip}, map[string]any{"value": value}, at)
}

// WritePoint writes an arbitrary point. It is a no-op when the client is
// nil or closed, so optional telemetry needs no guards at call sites.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
