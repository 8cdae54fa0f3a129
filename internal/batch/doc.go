// Package batch buffers device state changes and flushes them to the store
// on a fixed interval, one transaction per flush.
//
// Each (class, ip) key holds at most one pending update; a newer Submit
// replaces the older one. A flush re-reads every pending row inside the
// transaction and writes only the rows whose stored value differs, so a
// flush never writes a value equal to the one already stored. When the
// transaction fails it is rolled back and the entries stay pending for the
// next tick.
//
// After commit the flusher calls the class's OnPersisted hook for every
// flushed key, so connection owners can refresh their cached state, and
// publishes one device.state event per changed device.
package batch
