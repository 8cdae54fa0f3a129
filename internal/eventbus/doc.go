// Package eventbus fans device events out to console clients.
//
// Every event is published twice: as JSON on the MQTT topic
// floodgate/events/<name>, and on the WebSocket hub channel <name>.
// Publishing never fails towards the caller; transport errors are logged
// and counted, since the connection and persistence paths must not stall
// on a slow broker.
//
// Event names:
//
//	device.state          DeviceState
//	<class>.list_updated  ListUpdated
//	sensor.alert          SensorAlert
package eventbus
