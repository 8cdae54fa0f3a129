package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/floodgate-core/internal/audit"
	"github.com/nerrad567/floodgate-core/internal/connection"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/health"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
)

// DeviceSource is the observation side of a connection.Manager.
type DeviceSource interface {
	Class() device.Class
	Snapshots() []connection.Snapshot
	Snapshot(ip string) (connection.Snapshot, bool)
	Stats() connection.ManagerStats
}

// HealthSource is the observation side of the health sweeper.
type HealthSource interface {
	Entries(class device.Class) []health.Entry
	Stats() health.Stats
}

// Checker is implemented by infrastructure clients with a liveness probe.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies of the server.
type Deps struct {
	Config   config.HTTPConfig
	Logger   *logging.Logger
	Managers []DeviceSource
	Health   HealthSource
	Audit    audit.Repository
	// WebSocket serves the event stream; normally the eventbus hub.
	WebSocket http.Handler
	// ClientCount reports connected WebSocket clients for /metrics.
	ClientCount func() int
	// Checks run on /healthz, keyed by component name.
	Checks map[string]Checker
	// Stats are included in /metrics, keyed by component name.
	Stats   map[string]func() any
	Version string
}

// Server is the HTTP observation server.
type Server struct {
	cfg         config.HTTPConfig
	logger      *logging.Logger
	managers    map[device.Class]DeviceSource
	health      HealthSource
	audit       audit.Repository
	ws          http.Handler
	clientCount func() int
	checks      map[string]Checker
	stats       map[string]func() any
	version     string
	startTime   time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server. It does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		cfg:         deps.Config,
		logger:      deps.Logger,
		managers:    make(map[device.Class]DeviceSource, len(deps.Managers)),
		health:      deps.Health,
		audit:       deps.Audit,
		ws:          deps.WebSocket,
		clientCount: deps.ClientCount,
		checks:      deps.Checks,
		stats:       deps.Stats,
		version:     deps.Version,
		startTime:   time.Now(),
	}
	for _, m := range deps.Managers {
		s.managers[m.Class()] = m
	}
	return s, nil
}

// Start binds the listener and serves in a background goroutine. Binding
// errors are returned synchronously.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the server.
//
// It waits up to 10 seconds for in-flight requests to complete. Hijacked
// WebSocket connections are closed by the hub, not here.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
