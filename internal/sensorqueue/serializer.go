package sensorqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/floodgate-core/internal/device"
)

// Kind distinguishes the two pushes a sensor gateway sends.
type Kind string

const (
	KindReading   Kind = "reading"
	KindThreshold Kind = "alert"
)

// Event is one push from a sensor gateway.
type Event struct {
	Kind     Kind
	Class    device.Class
	IP       string
	Value    float64
	Severity int
	At       time.Time
}

// Meta is resolved once per address and shared by its tasks.
type Meta struct {
	DeviceID  int64
	Threshold float64
	Class     device.Class
}

// Handler resolves metadata and applies events. Handle is never called
// concurrently for one address.
type Handler interface {
	Resolve(ctx context.Context, class device.Class, ip string) (Meta, error)
	Handle(ctx context.Context, meta Meta, ev Event) error
}

// Logger is the logging interface used by the serializer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Serializer.
type Options struct {
	Handler Handler
	Logger  Logger
	// IdleTTL drops an address's binding and metadata after this long
	// without events. Zero keeps them forever.
	IdleTTL time.Duration
}

type deviceQueue struct {
	class       device.Class
	tasks       []Event
	processing  bool
	meta        *Meta
	lastEnqueue time.Time
}

// Serializer fans sensor events into per-address FIFOs.
type Serializer struct {
	handler Handler
	logger  Logger
	idleTTL time.Duration
	now     func() time.Time

	mu     sync.Mutex
	queues map[string]*deviceQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// New creates a Serializer.
func New(opts Options) *Serializer {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Serializer{
		handler: opts.Handler,
		logger:  opts.Logger,
		idleTTL: opts.IdleTTL,
		now:     time.Now,
		queues:  make(map[string]*deviceQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue appends ev to its address's FIFO and starts a drain if none is
// running.
func (s *Serializer) Enqueue(ev Event) error {
	if ev.IP == "" || !ev.Class.Valid() {
		return fmt.Errorf("%w: class %q ip %q", ErrInvalidEvent, ev.Class, ev.IP)
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.now()
	q := s.queues[ev.IP]
	if q != nil && s.expired(q, now) {
		s.logger.Debug("sensor binding expired", "device", ev.IP, "class", q.class)
		q = nil
	}
	if q == nil {
		q = &deviceQueue{class: ev.Class}
		s.queues[ev.IP] = q
	}
	if q.class != ev.Class {
		s.rejected.Add(1)
		return fmt.Errorf("%w: %s is bound to %s, got %s", ErrClassConflict, ev.IP, q.class, ev.Class)
	}

	q.tasks = append(q.tasks, ev)
	q.lastEnqueue = now
	if !q.processing {
		q.processing = true
		s.wg.Add(1)
		go s.drain(ev.IP, q)
	}
	return nil
}

func (s *Serializer) expired(q *deviceQueue, now time.Time) bool {
	return s.idleTTL > 0 && !q.processing && len(q.tasks) == 0 && now.Sub(q.lastEnqueue) > s.idleTTL
}

// drain runs q's tasks one at a time until the FIFO is empty.
func (s *Serializer) drain(ip string, q *deviceQueue) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			q.processing = false
			s.mu.Unlock()
			return
		}
		ev := q.tasks[0]
		q.tasks = q.tasks[1:]
		meta := q.meta
		s.mu.Unlock()

		if meta == nil {
			m, err := s.handler.Resolve(s.ctx, q.class, ip)
			if err != nil {
				s.failed.Add(1)
				s.logger.Warn("resolving sensor failed, dropping event", "device", ip, "kind", ev.Kind, "error", err)
				continue
			}
			s.mu.Lock()
			q.meta = &m
			s.mu.Unlock()
			meta = &m
		}

		if err := s.handler.Handle(s.ctx, *meta, ev); err != nil {
			s.failed.Add(1)
			s.logger.Error("sensor event failed", "device", ip, "kind", ev.Kind, "error", err)
			continue
		}
		s.handled.Add(1)
	}
}

// Close refuses new events and waits for every FIFO to drain.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
}

// Stats is a snapshot of serializer counters.
type Stats struct {
	Devices  int    `json:"devices"`
	Pending  int    `json:"pending"`
	Active   int    `json:"active"`
	Handled  uint64 `json:"handled"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns the counters.
func (s *Serializer) Stats() Stats {
	s.mu.Lock()
	st := Stats{Devices: len(s.queues)}
	for _, q := range s.queues {
		st.Pending += len(q.tasks)
		if q.processing {
			st.Active++
		}
	}
	s.mu.Unlock()

	st.Handled = s.handled.Load()
	st.Failed = s.failed.Load()
	st.Rejected = s.rejected.Load()
	return st
}
