package eventbus

import (
	"time"

	"github.com/nerrad567/floodgate-core/internal/device"
)

// Event names.
const (
	EventDeviceState = "device.state"
	EventSensorAlert = "sensor.alert"
)

// ListUpdatedEvent returns the list-updated event name for class.
func ListUpdatedEvent(class device.Class) string {
	return string(class) + ".list_updated"
}

// DeviceState is published whenever a device's persisted pair changes, and
// when a device is added.
type DeviceState struct {
	ID           int64        `json:"id"`
	IP           string       `json:"ip"`
	Class        device.Class `json:"class"`
	LinkedStatus device.Link  `json:"linkedStatus"`
	Status       string       `json:"status,omitempty"`
	DisplayName  string       `json:"displayName"`
	Timestamp    time.Time    `json:"timestamp"`
}

// ListUpdated is published after a device is added to or removed from a
// class registry.
type ListUpdated struct {
	Class device.Class `json:"class"`
	Count int          `json:"count"`
	Delta int          `json:"delta"`
}

// SensorAlert is published when a threshold event is stored.
type SensorAlert struct {
	EventID   string    `json:"eventId"`
	DeviceID  int64     `json:"deviceId"`
	IP        string    `json:"ip"`
	Severity  int       `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}
