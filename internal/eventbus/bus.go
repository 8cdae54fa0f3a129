package eventbus

import (
	"sync/atomic"
	"time"

	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/mqtt"
)

// MQTTPublisher is the part of the MQTT client the bus needs.
type MQTTPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// Broadcaster delivers an event to WebSocket subscribers of a channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Logger is the logging interface used by the bus and hub.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bus publishes events on MQTT and the WebSocket hub. Either side may be
// nil, in which case it is skipped.
type Bus struct {
	mqtt   MQTTPublisher
	hub    Broadcaster
	topics mqtt.Topics
	logger Logger
	now    func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
}

// Stats is a snapshot of publish counters.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// New creates a Bus.
func New(pub MQTTPublisher, hub Broadcaster, logger Logger) *Bus {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bus{
		mqtt:   pub,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}

// Publish sends payload under name to every transport.
func (b *Bus) Publish(name string, payload any) {
	if b == nil {
		return
	}
	b.published.Add(1)

	if b.hub != nil {
		b.hub.Broadcast(name, payload)
	}
	if b.mqtt != nil {
		if err := b.mqtt.PublishJSON(b.topics.Event(name), payload, false); err != nil {
			b.failed.Add(1)
			b.logger.Warn("event publish failed", "event", name, "error", err)
		}
	}
}

// DeviceState publishes a device.state event. A zero Timestamp is filled in.
func (b *Bus) DeviceState(ev DeviceState) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	if ev.DisplayName == "" {
		ev.DisplayName = ev.IP
	}
	b.Publish(EventDeviceState, ev)
}

// ListUpdated publishes <class>.list_updated.
func (b *Bus) ListUpdated(class device.Class, count, delta int) {
	b.Publish(ListUpdatedEvent(class), ListUpdated{Class: class, Count: count, Delta: delta})
}

// SensorAlert publishes a sensor.alert event.
func (b *Bus) SensorAlert(ev SensorAlert) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	b.Publish(EventSensorAlert, ev)
}

// Stats returns the publish counters.
func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Failed: b.failed.Load()}
}
