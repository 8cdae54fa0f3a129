// Package api serves the read-only observation surface of Floodgate Core.
//
// This package provides:
//   - /healthz for liveness of the database, MQTT and telemetry clients
//   - /metrics with runtime and per-component counters
//   - /devices/{class} with connection snapshots or sweep entries
//   - /audit with the paginated command log
//   - the WebSocket event stream served by the eventbus hub
//
// The server follows the same lifecycle as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Graceful Degradation
//
// Every dependency except the logger is optional. Endpoints whose backing
// component is absent answer 503 rather than failing the whole server.
package api
