// Package store is the SQLite-backed persistent store for field devices.
//
// It exposes the narrow surface the core needs: reading device rows per
// class, reading and writing the persisted (status, linked_status) pair
// inside a caller's transaction, and the sensor reading / event log tables
// used by the per-device event serializer. Domain CRUD of devices belongs
// to the console; UpsertDevice exists for seeding and tests.
//
// All timestamps are stored as RFC 3339 UTC strings.
package store
