package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/eventbus"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
	"github.com/nerrad567/floodgate-core/internal/store"
)

const (
	defaultBatchSize   = 20
	defaultMaxInFlight = 5
)

// Store is the part of the store a sweep needs.
type Store interface {
	ListDevices(ctx context.Context, class device.Class) ([]device.Device, error)
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	ReadState(ctx context.Context, q store.Querier, class device.Class, ip string) (device.PersistedState, error)
	WriteState(ctx context.Context, q store.Querier, class device.Class, ip string, st device.PersistedState) error
}

// Publisher receives one event per changed device.
type Publisher interface {
	DeviceState(ev eventbus.DeviceState)
}

// Telemetry records every probe. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteProbe(class, ip string, up bool, rtt time.Duration, at time.Time)
}

// Logger is the logging interface used by the sweeper.
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

// Entry is the cached view of one swept device.
type Entry struct {
	ID           int64       `json:"id"`
	IP           string      `json:"ip"`
	LinkedStatus device.Link `json:"linkedStatus"`
	DisplayName  string      `json:"displayName"`
	LastChecked  time.Time   `json:"lastChecked,omitzero"`
}

// Result summarises one class sweep.
type Result struct {
	Class   device.Class `json:"class"`
	Probed  int          `json:"probed"`
	Up      int          `json:"up"`
	Changed int          `json:"changed"`
}

// Options configures a Sweeper.
type Options struct {
	Config    config.HealthConfig
	Store     Store
	Publisher Publisher
	Telemetry Telemetry
	// Probers maps each swept class to its prober. Classes without one are
	// not swept.
	Probers map[device.Class]Prober
	Logger  Logger
}

type classCache struct {
	entries map[string]*Entry
	order   []string
}

type probeOutcome struct {
	ip  string
	up  bool
	rtt time.Duration
	err error
	at  time.Time
}

// Sweeper probes session-less devices on a per-class schedule.
type Sweeper struct {
	cfg       config.HealthConfig
	store     Store
	publisher Publisher
	telemetry Telemetry
	probers   map[device.Class]Prober
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	caches  map[device.Class]*classCache
	lastLog map[string]time.Time

	sweepMu sync.Map // device.Class -> *sync.Mutex

	sweeps   atomic.Uint64
	probes   atomic.Uint64
	failures atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper. Call Start to run the schedules.
func New(opts Options) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = defaultBatchSize
	}
	if opts.Config.MaxInFlight <= 0 {
		opts.Config.MaxInFlight = defaultMaxInFlight
	}
	if opts.Config.Retries < 0 {
		opts.Config.Retries = 0
	}
	return &Sweeper{
		cfg:       opts.Config,
		store:     opts.Store,
		publisher: opts.Publisher,
		telemetry: opts.Telemetry,
		probers:   opts.Probers,
		logger:    opts.Logger,
		now:       time.Now,
		caches:    make(map[device.Class]*classCache),
		lastLog:   make(map[string]time.Time),
	}
}

// Start launches one schedule per enabled class that has a prober. The
// first sweep of each class runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for name, cc := range s.cfg.Classes {
		class := device.Class(name)
		if !cc.Enabled || cc.Interval <= 0 {
			continue
		}
		if _, ok := s.probers[class]; !ok {
			s.logger.Warn("no prober for swept class", "class", class)
			continue
		}

		s.wg.Add(1)
		go s.schedule(ctx, class, cc.Interval)
	}
}

// Stop cancels the schedules and waits for in-progress sweeps.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) schedule(ctx context.Context, class device.Class, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepClass(ctx, class); err != nil && ctx.Err() == nil {
			s.logger.Error("health sweep failed", "class", class, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Invalidate drops the cached entries of class so the next sweep takes
// link values from the store instead of the cache.
func (s *Sweeper) Invalidate(class device.Class) {
	s.mu.Lock()
	delete(s.caches, class)
	s.mu.Unlock()
}

// Entries returns a copy of the cached entries of class in address order.
func (s *Sweeper) Entries(class device.Class) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := s.caches[class]
	if cc == nil {
		return nil
	}
	out := make([]Entry, 0, len(cc.order))
	for _, ip := range cc.order {
		out = append(out, *cc.entries[ip])
	}
	return out
}

func (s *Sweeper) classLock(class device.Class) *sync.Mutex {
	m, _ := s.sweepMu.LoadOrStore(class, &sync.Mutex{})
	return m.(*sync.Mutex) //nolint:forcetypeassert // only *sync.Mutex is stored
}

// load re-reads the device list of class and merges it into the cache.
// Known devices keep their cached link and last check; rows added since the
// previous sweep join and deleted rows drop out.
func (s *Sweeper) load(ctx context.Context, class device.Class) (*classCache, error) {
	devices, err := s.store.ListDevices(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("loading %s devices: %w", class, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.caches[class]

	cc := &classCache{entries: make(map[string]*Entry, len(devices))}
	added := 0
	for _, d := range devices {
		e := &Entry{
			ID:           d.ID,
			IP:           d.IP,
			LinkedStatus: d.Link,
			DisplayName:  d.DisplayName(),
		}
		if prev != nil {
			if known, ok := prev.entries[d.IP]; ok {
				e.LinkedStatus = known.LinkedStatus
				e.LastChecked = known.LastChecked
			} else {
				added++
			}
		}
		cc.entries[d.IP] = e
		cc.order = append(cc.order, d.IP)
	}
	s.caches[class] = cc

	switch {
	case prev == nil:
		s.logger.Debug("health cache loaded", "class", class, "devices", len(devices))
	case added > 0 || len(prev.order)+added != len(devices):
		s.logger.Debug("health cache refreshed", "class", class, "devices", len(devices), "added", added)
	}
	return cc, nil
}

// SweepClass probes every device of class once and persists the changes.
// Concurrent calls for the same class run one after the other.
func (s *Sweeper) SweepClass(ctx context.Context, class device.Class) (Result, error) {
	prober, ok := s.probers[class]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoProber, class)
	}

	lock := s.classLock(class)
	lock.Lock()
	defer lock.Unlock()

	cc, err := s.load(ctx, class)
	if err != nil {
		return Result{}, err
	}
	s.sweeps.Add(1)

	outcomes, err := s.probeAll(ctx, class, prober, cc.order)
	if err != nil {
		return Result{}, err
	}

	res := Result{Class: class, Probed: len(outcomes)}
	for _, o := range outcomes {
		if o.up {
			res.Up++
		}
		if s.telemetry != nil {
			s.telemetry.WriteProbe(string(class), o.ip, o.up, o.rtt, o.at)
		}
	}

	changed, err := s.persist(ctx, class, cc, outcomes)
	if err != nil {
		return res, err
	}
	res.Changed = len(changed)

	for _, e := range changed {
		if s.publisher != nil {
			s.publisher.DeviceState(eventbus.DeviceState{
				ID:           e.ID,
				IP:           e.IP,
				Class:        class,
				LinkedStatus: e.LinkedStatus,
				DisplayName:  e.DisplayName,
				Timestamp:    e.LastChecked,
			})
		}
	}

	s.logger.Debug("health sweep complete", "class", class, "probed", res.Probed, "up", res.Up, "changed", res.Changed)
	return res, nil
}

// probeAll runs the probes chunk by chunk under the in-flight limit.
func (s *Sweeper) probeAll(ctx context.Context, class device.Class, prober Prober, ips []string) ([]probeOutcome, error) {
	outcomes := make([]probeOutcome, len(ips))

	for start := 0; start < len(ips); start += s.cfg.BatchSize {
		if start > 0 && s.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.BatchDelay):
			}
		}

		end := min(start+s.cfg.BatchSize, len(ips))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxInFlight)
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = s.probe(gctx, class, prober, ips[i])
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

// probe retries a failed probe up to the configured count.
func (s *Sweeper) probe(ctx context.Context, class device.Class, prober Prober, ip string) probeOutcome {
	var (
		rtt time.Duration
		err error
	)
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		s.probes.Add(1)
		rtt, err = prober.Probe(ctx, ip)
		if err == nil || ctx.Err() != nil {
			break
		}
	}

	out := probeOutcome{ip: ip, up: err == nil, rtt: rtt, err: err, at: s.now()}
	if err != nil {
		s.failures.Add(1)
		s.logFailure(class, ip, err)
	}
	return out
}

// logFailure logs at most once per failure_log_interval per device.
func (s *Sweeper) logFailure(class device.Class, ip string, err error) {
	now := s.now()
	s.mu.Lock()
	last, seen := s.lastLog[ip]
	quiet := seen && s.cfg.FailureLogInterval > 0 && now.Sub(last) < s.cfg.FailureLogInterval
	if !quiet {
		s.lastLog[ip] = now
	}
	s.mu.Unlock()

	if !quiet {
		s.logger.Warn("device unreachable", "class", class, "device", ip, "error", err)
	}
}

// persist writes every outcome whose link differs from the cache in one
// transaction and returns the entries that were written.
func (s *Sweeper) persist(ctx context.Context, class device.Class, cc *classCache, outcomes []probeOutcome) ([]Entry, error) {
	type pendingWrite struct {
		ip   string
		link device.Link
	}

	s.mu.Lock()
	var writes []pendingWrite
	for _, o := range outcomes {
		e := cc.entries[o.ip]
		e.LastChecked = o.at
		if link := device.LinkOf(o.up); e.LinkedStatus != link {
			writes = append(writes, pendingWrite{ip: o.ip, link: link})
		}
	}
	s.mu.Unlock()

	if len(writes) == 0 {
		return nil, nil
	}

	var written, missing map[string]bool
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		written, missing = make(map[string]bool), make(map[string]bool)
		for _, w := range writes {
			current, err := s.store.ReadState(ctx, tx, class, w.ip)
			if errors.Is(err, store.ErrNotFound) {
				missing[w.ip] = true
				continue
			}
			if err != nil {
				return err
			}
			if current.Link == w.link {
				continue
			}
			next := device.PersistedState{Status: current.Status, Link: w.link}
			if err := s.store.WriteState(ctx, tx, class, w.ip, next); err != nil {
				return err
			}
			written[w.ip] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting %s sweep: %w", class, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make([]Entry, 0, len(written))
	for _, w := range writes {
		if missing[w.ip] {
			continue
		}
		e := cc.entries[w.ip]
		e.LinkedStatus = w.link
		if written[w.ip] {
			changed = append(changed, *e)
		}
	}
	return changed, nil
}

// Stats is a snapshot of sweep counters.
type Stats struct {
	Sweeps   uint64 `json:"sweeps"`
	Probes   uint64 `json:"probes"`
	Failures uint64 `json:"failures"`
}

// Stats returns the counters.
func (s *Sweeper) Stats() Stats {
	return Stats{
		Sweeps:   s.sweeps.Load(),
		Probes:   s.probes.Load(),
		Failures: s.failures.Load(),
	}
}
