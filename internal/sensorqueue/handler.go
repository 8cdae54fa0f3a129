package sensorqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/floodgate-core/internal/batch"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/eventbus"
	"github.com/nerrad567/floodgate-core/internal/store"
)

// SensorStore is the part of the store the handler needs.
type SensorStore interface {
	ResolveSensor(ctx context.Context, class device.Class, ip string) (store.SensorMeta, error)
	InsertReading(ctx context.Context, deviceID int64, value float64, at time.Time) error
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	OpenEventSeverity(ctx context.Context, q store.Querier, deviceID int64) (int, bool, error)
	InsertEvent(ctx context.Context, q store.Querier, ev *store.Event) error
}

// StateSink receives the link state of pushing sensors.
type StateSink interface {
	Submit(u batch.Update) error
}

// AlertPublisher announces new threshold events.
type AlertPublisher interface {
	SensorAlert(ev eventbus.SensorAlert)
}

// Telemetry records raw readings. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteSensorReading(ip string, value float64, at time.Time)
}

// StoreHandler applies sensor events to the store.
type StoreHandler struct {
	Store     SensorStore
	Sink      StateSink
	Publisher AlertPublisher
	Telemetry Telemetry
	Logger    Logger
}

// Resolve reads the device row behind ip.
func (h *StoreHandler) Resolve(ctx context.Context, class device.Class, ip string) (Meta, error) {
	m, err := h.Store.ResolveSensor(ctx, class, ip)
	if err != nil {
		return Meta{}, err
	}
	return Meta{DeviceID: m.DeviceID, Threshold: m.Threshold, Class: m.Class}, nil
}

// Handle stores a reading or a deduplicated threshold event. Any push
// marks the sensor linked.
func (h *StoreHandler) Handle(ctx context.Context, meta Meta, ev Event) error {
	if h.Sink != nil {
		//nolint:errcheck // Only fails after the flusher stopped
		h.Sink.Submit(batch.Update{
			Class:      meta.Class,
			IP:         ev.IP,
			State:      device.PersistedState{Link: device.LinkUp},
			ObservedAt: ev.At,
		})
	}

	switch ev.Kind {
	case KindReading:
		return h.reading(ctx, meta, ev)
	case KindThreshold:
		return h.threshold(ctx, meta, ev)
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, ev.Kind)
	}
}

func (h *StoreHandler) reading(ctx context.Context, meta Meta, ev Event) error {
	if err := h.Store.InsertReading(ctx, meta.DeviceID, ev.Value, ev.At); err != nil {
		return err
	}
	if h.Telemetry != nil {
		h.Telemetry.WriteSensorReading(ev.IP, ev.Value, ev.At)
	}
	return nil
}

// threshold inserts an event unless an open one of equal or higher
// severity already exists for the device.
func (h *StoreHandler) threshold(ctx context.Context, meta Meta, ev Event) error {
	severity := max(ev.Severity, 1)

	var inserted *store.Event
	err := h.Store.WithTx(ctx, func(tx *sql.Tx) error {
		inserted = nil
		open, ok, err := h.Store.OpenEventSeverity(ctx, tx, meta.DeviceID)
		if err != nil {
			return err
		}
		if ok && open >= severity {
			return nil
		}
		e := &store.Event{DeviceID: meta.DeviceID, Severity: severity, Value: ev.Value, CreatedAt: ev.At.UTC()}
		if err := h.Store.InsertEvent(ctx, tx, e); err != nil {
			return err
		}
		inserted = e
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording threshold event for %s: %w", ev.IP, err)
	}

	if inserted == nil {
		if h.Logger != nil {
			h.Logger.Debug("duplicate threshold event suppressed", "device", ev.IP, "severity", severity)
		}
		return nil
	}
	if h.Publisher != nil {
		h.Publisher.SensorAlert(eventbus.SensorAlert{
			EventID:   inserted.ID,
			DeviceID:  meta.DeviceID,
			IP:        ev.IP,
			Severity:  severity,
			Value:     ev.Value,
			Threshold: meta.Threshold,
			Timestamp: inserted.CreatedAt,
		})
	}
	return nil
}
