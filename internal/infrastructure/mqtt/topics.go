package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every Floodgate topic.
const TopicPrefix = "floodgate"

// Topics provides builders for Floodgate MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Event("device.state")        // floodgate/events/device.state
//	topics.Command("gate")              // floodgate/command/gate
//	topics.SensorReport("10.0.3.7", "reading")
type Topics struct{}

// SystemStatus carries the retained online/offline status and the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// Event returns the topic an EventBus event is published on.
func (Topics) Event(name string) string {
	return fmt.Sprintf("%s/events/%s", TopicPrefix, name)
}

// AllEvents matches every published event.
func (Topics) AllEvents() string {
	return TopicPrefix + "/events/#"
}

// Command returns the intake topic for one device class.
func (Topics) Command(class string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, class)
}

// AllCommands matches the intake topic of every class.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// CommandAck returns the reply topic for commands on one device class.
func (Topics) CommandAck(class string) string {
	return fmt.Sprintf("%s/command/%s/ack", TopicPrefix, class)
}

// SensorReport returns the topic a sensor gateway pushes to. kind is
// "reading" or "alert".
func (Topics) SensorReport(ip, kind string) string {
	return fmt.Sprintf("%s/sensor/%s/%s", TopicPrefix, ip, kind)
}

// AllSensorReports matches every sensor push.
func (Topics) AllSensorReports() string {
	return TopicPrefix + "/sensor/+/+"
}

// ParseSensorTopic extracts the device address and report kind from a
// topic built by SensorReport.
func ParseSensorTopic(topic string) (ip, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "sensor" || parts[2] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopicPath, topic)
	}
	return parts[2], parts[3], nil
}

// ParseCommandTopic extracts the device class from a topic built by Command.
func ParseCommandTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] != "command" || parts[2] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopicPath, topic)
	}
	return parts[2], nil
}
