// Package sensorqueue serialises asynchronous sensor pushes per device.
//
// Every device address gets its own FIFO. A drain goroutine runs while the
// FIFO is non-empty and finishes each task before starting the next, so
// two pushes for one sensor never race on its metadata or produce
// duplicate alerts. Different sensors drain in parallel.
//
// The first event for an address binds its device class; an event with a
// different class is rejected with ErrClassConflict until the binding
// expires after IdleTTL without traffic.
package sensorqueue
