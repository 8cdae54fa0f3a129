package sensorqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/floodgate-core/internal/batch"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/eventbus"
	"github.com/nerrad567/floodgate-core/internal/store"
	"github.com/nerrad567/floodgate-core/internal/store/storetest"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []batch.Update
}

func (r *recordingSink) Submit(u batch.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []eventbus.SensorAlert
}

func (r *recordingAlerts) SensorAlert(ev eventbus.SensorAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, ev)
}

type recordingTelemetry struct {
	values []float64
}

func (r *recordingTelemetry) WriteSensorReading(_ string, value float64, _ time.Time) {
	r.values = append(r.values, value)
}

func newStoreHandler(t *testing.T) (*StoreHandler, *store.Store, *recordingSink, *recordingAlerts, *recordingTelemetry) {
	t.Helper()
	s := storetest.Open(t)
	sink := &recordingSink{}
	alerts := &recordingAlerts{}
	tel := &recordingTelemetry{}
	return &StoreHandler{Store: s, Sink: sink, Publisher: alerts, Telemetry: tel}, s, sink, alerts, tel
}

func TestStoreHandler_Reading(t *testing.T) {
	h, s, sink, _, tel := newStoreHandler(t)
	ctx := context.Background()
	storetest.Seed(t, s, device.Device{Class: device.ClassSensor, IP: "10.0.3.7", Threshold: 2.5})

	meta, err := h.Resolve(ctx, device.ClassSensor, "10.0.3.7")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if meta.Threshold != 2.5 {
		t.Errorf("Threshold = %v, want 2.5", meta.Threshold)
	}

	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := h.Handle(ctx, meta, Event{Kind: KindReading, Class: device.ClassSensor, IP: "10.0.3.7", Value: 1.8, At: at}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	var n int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_readings WHERE device_id = ?`, meta.DeviceID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("readings = %d, want 1", n)
	}
	if len(tel.values) != 1 || tel.values[0] != 1.8 {
		t.Errorf("telemetry = %v", tel.values)
	}
	if len(sink.updates) != 1 || sink.updates[0].State.Link != device.LinkUp {
		t.Errorf("sink updates = %+v, want one Link up", sink.updates)
	}
}

func TestStoreHandler_ResolveUnknown(t *testing.T) {
	h, _, _, _, _ := newStoreHandler(t)
	if _, err := h.Resolve(context.Background(), device.ClassSensor, "10.0.3.99"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestStoreHandler_ThresholdDedup(t *testing.T) {
	h, s, _, alerts, _ := newStoreHandler(t)
	ctx := context.Background()
	storetest.Seed(t, s, device.Device{Class: device.ClassSensor, IP: "10.0.3.7", Threshold: 2.5})
	meta, err := h.Resolve(ctx, device.ClassSensor, "10.0.3.7")
	if err != nil {
		t.Fatal(err)
	}

	for _, sev := range []int{2, 2, 1, 3} {
		ev := Event{Kind: KindThreshold, Class: device.ClassSensor, IP: "10.0.3.7", Value: 3.1, Severity: sev, At: time.Now()}
		if err := h.Handle(ctx, meta, ev); err != nil {
			t.Fatalf("Handle(severity %d) error = %v", sev, err)
		}
	}

	events, err := s.ListEvents(ctx, meta.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (severity 2 then 3)", len(events))
	}
	if len(alerts.alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts.alerts))
	}
	last := alerts.alerts[1]
	if last.Severity != 3 || last.Threshold != 2.5 || last.DeviceID != meta.DeviceID || last.EventID == "" {
		t.Errorf("last alert = %+v", last)
	}

	// Acknowledging reopens the slot for the same severity.
	if _, err := s.AcknowledgeEvents(ctx, meta.DeviceID); err != nil {
		t.Fatal(err)
	}
	ev := Event{Kind: KindThreshold, Class: device.ClassSensor, IP: "10.0.3.7", Value: 3.0, Severity: 2, At: time.Now()}
	if err := h.Handle(ctx, meta, ev); err != nil {
		t.Fatal(err)
	}
	if len(alerts.alerts) != 3 {
		t.Errorf("alerts after acknowledge = %d, want 3", len(alerts.alerts))
	}
}

func TestStoreHandler_ZeroSeverityCountsAsOne(t *testing.T) {
	h, s, _, alerts, _ := newStoreHandler(t)
	ctx := context.Background()
	storetest.Seed(t, s, device.Device{Class: device.ClassSensor, IP: "10.0.3.7"})
	meta, err := h.Resolve(ctx, device.ClassSensor, "10.0.3.7")
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Handle(ctx, meta, Event{Kind: KindThreshold, IP: "10.0.3.7", At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Severity != 1 {
		t.Errorf("alerts = %+v, want one with severity 1", alerts.alerts)
	}
}

func TestSerializer_WithStoreHandler(t *testing.T) {
	h, s, _, alerts, tel := newStoreHandler(t)
	storetest.Seed(t, s, device.Device{Class: device.ClassSensor, IP: "10.0.3.7", Threshold: 2.5})
	q := New(Options{Handler: h})

	for _, ev := range []Event{
		{Kind: KindReading, Class: device.ClassSensor, IP: "10.0.3.7", Value: 1.0},
		{Kind: KindThreshold, Class: device.ClassSensor, IP: "10.0.3.7", Value: 2.7, Severity: 1},
		{Kind: KindReading, Class: device.ClassSensor, IP: "10.0.3.7", Value: 2.7},
	} {
		if err := q.Enqueue(ev); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()

	if st := q.Stats(); st.Handled != 3 {
		t.Errorf("Stats() = %+v, want 3 handled", st)
	}
	if len(tel.values) != 2 || tel.values[0] != 1.0 || tel.values[1] != 2.7 {
		t.Errorf("telemetry = %v, want [1 2.7]", tel.values)
	}
	if len(alerts.alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts.alerts))
	}
}
