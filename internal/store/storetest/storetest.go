// Package storetest opens a migrated, throwaway store for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/database"
	"github.com/nerrad567/floodgate-core/internal/store"
	"github.com/nerrad567/floodgate-core/migrations"
)

// Open returns a Store backed by a fresh database file under t.TempDir.
func Open(t testing.TB) *store.Store {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "floodgate.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return store.New(db)
}

// Seed inserts devices and returns their row IDs in order.
func Seed(t testing.TB, s *store.Store, devices ...device.Device) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(devices))
	for _, d := range devices {
		id, err := s.UpsertDevice(context.Background(), d)
		if err != nil {
			t.Fatalf("seeding %s %s: %v", d.Class, d.IP, err)
		}
		ids = append(ids, id)
	}
	return ids
}

// SetState writes a persisted pair directly, bypassing batching.
func SetState(t testing.TB, s *store.Store, class device.Class, ip string, st device.PersistedState) {
	t.Helper()
	if err := s.WriteState(context.Background(), s.DB(), class, ip, st); err != nil {
		t.Fatalf("setting state of %s %s: %v", class, ip, err)
	}
}
