package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/floodgate-core/internal/connection"
	"github.com/nerrad567/floodgate-core/internal/health"
)

// SystemMetrics is the body of /metrics.
type SystemMetrics struct {
	Timestamp     string                             `json:"timestamp"`
	Version       string                             `json:"version"`
	UptimeSeconds int64                              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics                     `json:"runtime"`
	WebSocket     WSMetrics                          `json:"websocket"`
	Connections   map[string]connection.ManagerStats `json:"connections"`
	Sweeps        *health.Stats                      `json:"sweeps,omitempty"`
	Components    map[string]any                     `json:"components,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

const bytesPerMB = 1024 * 1024

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(memStats.TotalAlloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		Connections: make(map[string]connection.ManagerStats, len(s.managers)),
	}

	if s.clientCount != nil {
		metrics.WebSocket.ConnectedClients = s.clientCount()
	}
	for class, m := range s.managers {
		metrics.Connections[string(class)] = m.Stats()
	}
	if s.health != nil {
		st := s.health.Stats()
		metrics.Sweeps = &st
	}
	if len(s.stats) > 0 {
		metrics.Components = make(map[string]any, len(s.stats))
		for name, fn := range s.stats {
			metrics.Components[name] = fn()
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
