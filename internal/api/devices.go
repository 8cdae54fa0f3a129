package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/health"
)

// handleListDevices returns connection snapshots for session classes and
// sweep entries for probed classes.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	class, err := device.ParseClass(chi.URLParam(r, "class"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if m, ok := s.managers[class]; ok {
		snaps := m.Snapshots()
		writeJSON(w, http.StatusOK, map[string]any{
			"class":   class,
			"devices": snaps,
			"count":   len(snaps),
		})
		return
	}

	if s.health == nil {
		writeUnavailable(w, fmt.Sprintf("no source for class %s", class))
		return
	}
	entries := s.health.Entries(class)
	if entries == nil {
		entries = []health.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"class":   class,
		"devices": entries,
		"count":   len(entries),
	})
}

// handleGetDevice returns one connection snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	class, err := device.ParseClass(chi.URLParam(r, "class"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	m, ok := s.managers[class]
	if !ok {
		writeNotFound(w, fmt.Sprintf("class %s has no sessions", class))
		return
	}

	ip := chi.URLParam(r, "ip")
	snap, ok := m.Snapshot(ip)
	if !ok {
		writeNotFound(w, fmt.Sprintf("device %s %s not found", class, ip))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
