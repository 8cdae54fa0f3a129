package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/floodgate-core/internal/device"
)

// SensorMeta is what the event serializer caches per sensor address.
type SensorMeta struct {
	DeviceID  int64
	Threshold float64
	Class     device.Class
}

// Event is one threshold crossing in device_events.
type Event struct {
	ID           string
	DeviceID     int64
	Severity     int
	Value        float64
	Acknowledged bool
	CreatedAt    time.Time
}

// ResolveSensor looks up the row behind a pushed event.
func (s *Store) ResolveSensor(ctx context.Context, class device.Class, ip string) (SensorMeta, error) {
	var (
		meta      SensorMeta
		threshold sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, threshold FROM field_devices WHERE class = ? AND ip = ?`,
		string(class), ip).Scan(&meta.DeviceID, &threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return SensorMeta{}, fmt.Errorf("%w: %s %s", ErrNotFound, class, ip)
	}
	if err != nil {
		return SensorMeta{}, fmt.Errorf("resolving %s %s: %w", class, ip, err)
	}
	meta.Threshold = threshold.Float64
	meta.Class = class
	return meta, nil
}

// InsertReading appends a raw value.
func (s *Store) InsertReading(ctx context.Context, deviceID int64, value float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (device_id, value, recorded_at) VALUES (?, ?, ?)`,
		deviceID, value, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting reading for device %d: %w", deviceID, err)
	}
	return nil
}

// OpenEventSeverity returns the highest severity among unacknowledged
// events of a device. ok is false when none are open.
func (s *Store) OpenEventSeverity(ctx context.Context, q Querier, deviceID int64) (severity int, ok bool, err error) {
	var highest sql.NullInt64
	err = q.QueryRowContext(ctx,
		`SELECT MAX(severity) FROM device_events WHERE device_id = ? AND acknowledged = 0`,
		deviceID).Scan(&highest)
	if err != nil {
		return 0, false, fmt.Errorf("reading open events of device %d: %w", deviceID, err)
	}
	return int(highest.Int64), highest.Valid, nil
}

// InsertEvent stores ev, generating its ID and timestamp when empty.
func (s *Store) InsertEvent(ctx context.Context, q Querier, ev *Event) error {
	if ev.ID == "" {
		ev.ID = "evt-" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO device_events (id, device_id, severity, value, acknowledged, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		ev.ID, ev.DeviceID, ev.Severity, ev.Value, ev.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting event for device %d: %w", ev.DeviceID, err)
	}
	return nil
}

// AcknowledgeEvents closes every open event of a device and returns how
// many were closed.
func (s *Store) AcknowledgeEvents(ctx context.Context, deviceID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_events SET acknowledged = 1 WHERE device_id = ? AND acknowledged = 0`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("acknowledging events of device %d: %w", deviceID, err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports affected rows
	return n, nil
}

// ListEvents returns every event of a device, oldest first.
func (s *Store) ListEvents(ctx context.Context, deviceID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, severity, value, acknowledged, created_at FROM device_events WHERE device_id = ? ORDER BY created_at, id`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing events of device %d: %w", deviceID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.Severity, &ev.Value, &ev.Acknowledged, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
