package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/floodgate-core/internal/connection"
)

const (
	defaultWebSocketPath = "/ws"
	checkTimeout         = 3 * time.Second
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/devices/{class}", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Get("/{ip}", s.handleGetDevice)
	})

	r.Get("/audit", s.handleListAudit)

	if s.ws != nil {
		path := s.cfg.WebSocketPath
		if path == "" {
			path = defaultWebSocketPath
		}
		r.Handle(path, s.ws)
	}

	return r
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
	// Connections counts live sessions per class.
	Connections map[string]int `json:"connections"`
}

// handleHealth runs every registered check. Any failure answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:      "ok",
		Version:     s.version,
		Components:  make(map[string]string, len(s.checks)),
		Connections: make(map[string]int, len(s.managers)),
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := s.checks[name].HealthCheck(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = "ok"
	}

	for class, m := range s.managers {
		resp.Connections[string(class)] = m.Stats().States[connection.StateConnected]
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
