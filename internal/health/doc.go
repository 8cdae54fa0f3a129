// Package health sweeps reachability of field devices that keep no
// session: sensors, speakers and cameras.
//
// Each class runs on its own interval. A sweep probes the cached device
// list in chunks of batch_size, at most max_in_flight probes at a time,
// and writes every changed link status in one transaction before
// publishing device.state events.
//
// Probers:
//   - TCPProber: a plain connect to the class port
//   - HTTPProber: a GET whose response status is below 500
package health
