package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_gates.up.sql":    {Data: []byte("CREATE TABLE gates (ip TEXT PRIMARY KEY);")},
		"20260101_000000_gates.down.sql":  {Data: []byte("DROP TABLE gates;")},
		"20260102_000000_boards.up.sql":   {Data: []byte("CREATE TABLE boards (ip TEXT PRIMARY KEY);")},
		"20260102_000000_boards.down.sql": {Data: []byte("DROP TABLE boards;")},
		"README.md":                       {Data: []byte("not a migration")},
		"20260103_broken.up.sql":          {Data: []byte("ignored: bad name")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"gates", "boards"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	// Re-running must not re-apply.
	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, testMigrations()); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	if tableExists(t, db, "boards") {
		t.Error("boards should be dropped by MigrateDown")
	}
	if !tableExists(t, db, "gates") {
		t.Error("gates should survive a single MigrateDown")
	}
}

func TestLoadMigrations_MissingUp(t *testing.T) {
	fsys := fstest.MapFS{
		"20260101_000000_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
	}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Error("LoadMigrations() expected error for down-only migration")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		file    string
		version string
		name    string
		up      bool
		ok      bool
	}{
		{"20260301_090000_field_devices.up.sql", "20260301_090000", "field_devices", true, true},
		{"20260301_090000_field_devices.down.sql", "20260301_090000", "field_devices", false, true},
		{"20260301_090000_field_devices.sql", "", "", false, false},
		{"notes.txt", "", "", false, false},
		{"2026_09_x.up.sql", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.file)
			if ok != tt.ok || version != tt.version || name != tt.name || up != tt.up {
				t.Errorf("parseMigrationFilename(%q) = (%q, %q, %v, %v), want (%q, %q, %v, %v)",
					tt.file, version, name, up, ok, tt.version, tt.name, tt.up, tt.ok)
			}
		})
	}
}
