package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/eventbus"
	"github.com/nerrad567/floodgate-core/internal/store"
)

const (
	defaultInterval  = 5 * time.Second
	finalFlushBudget = 10 * time.Second
)

// Key identifies one device row.
type Key struct {
	Class device.Class
	IP    string
}

// Update is one observed state for a device.
type Update struct {
	Class      device.Class
	IP         string
	State      device.PersistedState
	ObservedAt time.Time
	// Force publishes a device.state event even when the stored value is
	// already equal. It never causes a write.
	Force bool
}

// Key returns the pending-map key of u.
func (u Update) Key() Key {
	return Key{Class: u.Class, IP: u.IP}
}

// StateStore is the part of the store the flusher needs.
type StateStore interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	ReadState(ctx context.Context, q store.Querier, class device.Class, ip string) (device.PersistedState, error)
	WriteState(ctx context.Context, q store.Querier, class device.Class, ip string, st device.PersistedState) error
	GetDevice(ctx context.Context, class device.Class, ip string) (device.Device, error)
}

// Publisher receives one event per changed device.
type Publisher interface {
	DeviceState(ev eventbus.DeviceState)
}

// Telemetry records persisted link changes. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteLinkState(class, ip string, linked bool, status string, at time.Time)
}

// Logger is the logging interface used by the flusher.
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

// PersistedFunc is called after commit with the value now in the store.
type PersistedFunc func(ip string, st device.PersistedState)

// Options configures a Flusher. Store is required.
type Options struct {
	Store     StateStore
	Publisher Publisher
	Telemetry Telemetry
	Logger    Logger
	// Interval between flushes. Default: 5s
	Interval time.Duration
}

type pendingEntry struct {
	update Update
	seq    uint64
}

type flushResult struct {
	entry   pendingEntry
	changed bool
	missing bool
}

// Stats is a snapshot of flusher counters.
type Stats struct {
	Pending int    `json:"pending"`
	Flushes uint64 `json:"flushes"`
	Written uint64 `json:"written"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

// Flusher accumulates updates and writes them in periodic transactions.
type Flusher struct {
	store     StateStore
	publisher Publisher
	telemetry Telemetry
	logger    Logger
	interval  time.Duration

	mu      sync.Mutex
	pending map[Key]pendingEntry
	seq     uint64
	stopped bool

	hooksMu sync.RWMutex
	hooks   map[device.Class]PersistedFunc

	// flushMu keeps the ticker and an explicit Flush from overlapping.
	flushMu sync.Mutex

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	flushes atomic.Uint64
	written atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// New creates a Flusher. Call Start to begin the periodic flush.
func New(opts Options) *Flusher {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Flusher{
		store:     opts.Store,
		publisher: opts.Publisher,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
		interval:  opts.Interval,
		pending:   make(map[Key]pendingEntry),
		hooks:     make(map[device.Class]PersistedFunc),
	}
}

// OnPersisted registers the post-commit hook for class, replacing any
// previous one.
func (f *Flusher) OnPersisted(class device.Class, fn PersistedFunc) {
	f.hooksMu.Lock()
	defer f.hooksMu.Unlock()
	if fn == nil {
		delete(f.hooks, class)
		return
	}
	f.hooks[class] = fn
}

// Submit queues u, replacing any pending update for the same device.
func (f *Flusher) Submit(u Update) error {
	if u.ObservedAt.IsZero() {
		u.ObservedAt = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrStopped
	}

	k := u.Key()
	if prev, ok := f.pending[k]; ok && prev.update.Force {
		u.Force = true
	}
	f.seq++
	f.pending[k] = pendingEntry{update: u, seq: f.seq}
	return nil
}

// Pending returns the number of buffered updates.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Start runs the periodic flush until Stop is called or ctx ends.
func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Flush(ctx); err != nil {
					f.logger.Warn("batch flush failed, keeping updates pending", "error", err)
				}
			}
		}
	}()
}

// Stop ends the periodic flush, runs a final flush and refuses further
// submissions. Safe to call more than once.
func (f *Flusher) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
			<-f.done
		}

		// Refuse submissions first so none lands after the final snapshot.
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), finalFlushBudget)
		defer cancel()
		err = f.Flush(ctx)
	})
	return err
}

// Flush writes every pending update whose value differs from the store.
func (f *Flusher) Flush(ctx context.Context) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	snapshot := f.snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	f.flushes.Add(1)

	results := make([]flushResult, 0, len(snapshot))
	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		results = results[:0]
		for _, e := range snapshot {
			u := e.update
			current, err := f.store.ReadState(ctx, tx, u.Class, u.IP)
			if errors.Is(err, store.ErrNotFound) {
				results = append(results, flushResult{entry: e, missing: true})
				continue
			}
			if err != nil {
				return err
			}
			if current == u.State {
				results = append(results, flushResult{entry: e})
				continue
			}
			if err := f.store.WriteState(ctx, tx, u.Class, u.IP, u.State); err != nil {
				return err
			}
			results = append(results, flushResult{entry: e, changed: true})
		}
		return nil
	})
	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("flushing %d updates: %w", len(snapshot), err)
	}

	f.release(snapshot)
	f.afterCommit(ctx, results)
	return nil
}

// snapshot copies the pending entries in a stable order.
func (f *Flusher) snapshot() []pendingEntry {
	f.mu.Lock()
	out := make([]pendingEntry, 0, len(f.pending))
	for _, e := range f.pending {
		out = append(out, e)
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].update, out[j].update
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		return a.IP < b.IP
	})
	return out
}

// release drops flushed entries that were not superseded meanwhile.
func (f *Flusher) release(snapshot []pendingEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range snapshot {
		k := e.update.Key()
		if cur, ok := f.pending[k]; ok && cur.seq == e.seq {
			delete(f.pending, k)
		}
	}
}

func (f *Flusher) afterCommit(ctx context.Context, results []flushResult) {
	for _, r := range results {
		u := r.entry.update
		if r.missing {
			f.logger.Warn("dropping update for unknown device", "class", u.Class, "device", u.IP)
			continue
		}

		if hook := f.hook(u.Class); hook != nil {
			hook(u.IP, u.State)
		}

		if r.changed {
			f.written.Add(1)
			if f.telemetry != nil && u.State.Link.Known() {
				f.telemetry.WriteLinkState(string(u.Class), u.IP, u.State.Link == device.LinkUp, u.State.Status, u.ObservedAt)
			}
		} else {
			f.skipped.Add(1)
		}

		if (r.changed || u.Force) && f.publisher != nil {
			f.publisher.DeviceState(f.stateEvent(ctx, u))
		}
	}
}

func (f *Flusher) hook(class device.Class) PersistedFunc {
	f.hooksMu.RLock()
	defer f.hooksMu.RUnlock()
	return f.hooks[class]
}

func (f *Flusher) stateEvent(ctx context.Context, u Update) eventbus.DeviceState {
	ev := eventbus.DeviceState{
		IP:           u.IP,
		Class:        u.Class,
		LinkedStatus: u.State.Link,
		Status:       u.State.Status,
		Timestamp:    u.ObservedAt.UTC(),
	}
	d, err := f.store.GetDevice(ctx, u.Class, u.IP)
	if err != nil {
		f.logger.Debug("device lookup for event failed", "device", u.IP, "error", err)
		return ev
	}
	ev.ID = d.ID
	ev.DisplayName = d.DisplayName()
	return ev
}

// Stats returns the flusher counters.
func (f *Flusher) Stats() Stats {
	return Stats{
		Pending: f.Pending(),
		Flushes: f.flushes.Load(),
		Written: f.written.Load(),
		Skipped: f.skipped.Load(),
		Failed:  f.failed.Load(),
	}
}
