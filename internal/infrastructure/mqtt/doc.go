// Package mqtt provides MQTT connectivity for Floodgate Core.
//
// The broker carries two kinds of traffic:
//   - outbound events (device state changes, list updates, alerts) that the
//     event bus publishes for console and integration subscribers
//   - inbound requests: device commands on floodgate/command/<class> and
//     sensor gateway pushes on floodgate/sensor/<ip>/<kind>
//
// # Topic Layout
//
//	floodgate/system/status            retained online/offline + LWT
//	floodgate/events/<name>            event bus
//	floodgate/command/<class>          command intake
//	floodgate/command/<class>/ack      command results
//	floodgate/sensor/<ip>/reading      raw sensor values
//	floodgate/sensor/<ip>/alert        threshold crossings
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.Event("device.state"), state, false)
//
// Handlers run on paho goroutines, are wrapped with panic recovery, and
// should not block.
package mqtt
