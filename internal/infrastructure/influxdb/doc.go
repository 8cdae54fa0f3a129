// Package influxdb records device telemetry for Floodgate Core.
//
// Three measurements are written:
//   - device_link: every persisted link/status change (batch persistence)
//   - device_probe: every health sweep probe with its round-trip time
//   - sensor_reading: raw sensor values from the event serializer
//
// Telemetry is optional. A nil *Client is valid and every write on it is a
// no-op.
//
// # Usage
//
//	influx, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    influx = nil
//	}
//	influx.WriteProbe("sensor", "10.0.3.7", true, 12*time.Millisecond, time.Now())
package influxdb
