package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/database"
)

// Querier is satisfied by *sql.DB and *sql.Tx, so state reads and writes
// can run either standalone or inside a flush transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes field device rows.
type Store struct {
	db *database.DB
}

// New returns a Store over an open, migrated database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn in one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.db.WithTx(ctx, fn)
}

// DB exposes the underlying handle for read-only callers.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

const deviceColumns = `id, class, ip, name, controller_model, linked_status, crossing_gate_status, threshold, updated_at`

// ListDevices returns every row of class ordered by address.
func (s *Store) ListDevices(ctx context.Context, class device.Class) ([]device.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM field_devices WHERE class = ? ORDER BY ip`, string(class))
	if err != nil {
		return nil, fmt.Errorf("listing %s devices: %w", class, err)
	}
	defer rows.Close()

	var devices []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s device: %w", class, err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s devices: %w", class, err)
	}
	return devices, nil
}

// GetDevice returns one row, or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, class device.Class, ip string) (device.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM field_devices WHERE class = ? AND ip = ?`, string(class), ip)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Device{}, fmt.Errorf("%w: %s %s", ErrNotFound, class, ip)
	}
	if err != nil {
		return device.Device{}, fmt.Errorf("reading %s device %s: %w", class, ip, err)
	}
	return d, nil
}

// UpsertDevice inserts a row or updates its name, model and threshold.
// Persisted state columns are never touched here.
func (s *Store) UpsertDevice(ctx context.Context, d device.Device) (int64, error) {
	if !d.Class.Valid() || d.IP == "" {
		return 0, fmt.Errorf("%w: class %q ip %q", ErrInvalidDevice, d.Class, d.IP)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO field_devices (class, ip, name, controller_model, threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (class, ip) DO UPDATE SET
			name = excluded.name,
			controller_model = excluded.controller_model,
			threshold = excluded.threshold,
			updated_at = excluded.updated_at
		RETURNING id`,
		string(d.Class), d.IP, d.Name, nullableString(string(d.Model)), nullableFloat(d.Threshold), now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting %s device %s: %w", d.Class, d.IP, err)
	}
	return id, nil
}

// ReadState returns the persisted pair for one device. Use a *sql.Tx as q
// to re-check values inside a flush.
func (s *Store) ReadState(ctx context.Context, q Querier, class device.Class, ip string) (device.PersistedState, error) {
	var linked, gate sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT linked_status, crossing_gate_status FROM field_devices WHERE class = ? AND ip = ?`,
		string(class), ip).Scan(&linked, &gate)
	if errors.Is(err, sql.ErrNoRows) {
		return device.PersistedState{}, fmt.Errorf("%w: %s %s", ErrNotFound, class, ip)
	}
	if err != nil {
		return device.PersistedState{}, fmt.Errorf("reading state of %s %s: %w", class, ip, err)
	}

	st := device.PersistedState{Link: linkFromColumn(linked)}
	if class == device.ClassGate {
		st.Status = gateStatusFromColumn(gate)
	}
	return st, nil
}

// WriteState stores the pair for one device. For gates the status is
// written to crossing_gate_status; other classes only carry the link.
func (s *Store) WriteState(ctx context.Context, q Querier, class device.Class, ip string, st device.PersistedState) error {
	var res sql.Result
	var err error
	if class == device.ClassGate {
		res, err = q.ExecContext(ctx,
			`UPDATE field_devices SET linked_status = ?, crossing_gate_status = ?, updated_at = ? WHERE class = ? AND ip = ?`,
			linkColumn(st.Link), gateStatusColumn(st.Status), now(), string(class), ip)
	} else {
		res, err = q.ExecContext(ctx,
			`UPDATE field_devices SET linked_status = ?, updated_at = ? WHERE class = ? AND ip = ?`,
			linkColumn(st.Link), now(), string(class), ip)
	}
	if err != nil {
		return fmt.Errorf("writing state of %s %s: %w", class, ip, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports affected rows
		return fmt.Errorf("%w: %s %s", ErrNotFound, class, ip)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (device.Device, error) {
	var (
		d         device.Device
		class     string
		model     sql.NullString
		linked    sql.NullInt64
		gate      sql.NullInt64
		threshold sql.NullFloat64
		updatedAt string
	)
	if err := row.Scan(&d.ID, &class, &d.IP, &d.Name, &model, &linked, &gate, &threshold, &updatedAt); err != nil {
		return device.Device{}, err
	}

	d.Class = device.Class(class)
	d.Model = device.Variant(model.String)
	d.Link = linkFromColumn(linked)
	if d.Class == device.ClassGate {
		d.Status = gateStatusFromColumn(gate)
	}
	d.Threshold = threshold.Float64
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}

func linkColumn(l device.Link) any {
	switch l {
	case device.LinkUp:
		return 1
	case device.LinkDown:
		return 0
	default:
		return nil
	}
}

func linkFromColumn(v sql.NullInt64) device.Link {
	if !v.Valid {
		return device.LinkUnknown
	}
	return device.LinkOf(v.Int64 == 1)
}

func gateStatusColumn(status string) any {
	switch status {
	case device.StatusOpen:
		return 1
	case device.StatusClosed:
		return 0
	default:
		return nil
	}
}

func gateStatusFromColumn(v sql.NullInt64) string {
	if !v.Valid {
		return ""
	}
	if v.Int64 == 1 {
		return device.StatusOpen
	}
	return device.StatusClosed
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
