// Package intake maps MQTT requests onto the connection managers and the
// sensor serializer.
//
// Commands arrive on floodgate/command/<class> as JSON CommandMessages and
// are answered on floodgate/command/<class>/ack. Sensor gateways push to
// floodgate/sensor/<ip>/reading and floodgate/sensor/<ip>/alert.
//
// Each command runs on its own goroutine so a slow fan-out never blocks the
// MQTT client's delivery loop. Stop unsubscribes first and then waits for
// in-flight commands.
package intake
