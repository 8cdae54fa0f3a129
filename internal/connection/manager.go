package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/floodgate-core/internal/audit"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/eventbus"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
	"github.com/nerrad567/floodgate-core/internal/opqueue"
	"github.com/nerrad567/floodgate-core/internal/store"
)

// DeviceStore is the slice of the store a manager needs.
type DeviceStore interface {
	ListDevices(ctx context.Context, class device.Class) ([]device.Device, error)
	GetDevice(ctx context.Context, class device.Class, ip string) (device.Device, error)
	UpsertDevice(ctx context.Context, d device.Device) (int64, error)
}

// Publisher receives registry events. *eventbus.Bus satisfies it.
type Publisher interface {
	DeviceState(ev eventbus.DeviceState)
	ListUpdated(class device.Class, count, delta int)
}

// Target selects the devices of a command. All wins over IDs.
type Target struct {
	IDs []string `json:"ids,omitempty"`
	All bool     `json:"all,omitempty"`
}

// CommandError is the failure of one device in a fan-out.
type CommandError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result collects per-device outcomes of SendCommand.
type Result struct {
	SuccessList []string       `json:"successList"`
	ErrorList   []CommandError `json:"errorList"`
}

// ManagerStats summarises a manager for observation.
type ManagerStats struct {
	Class   device.Class  `json:"class"`
	Devices int           `json:"devices"`
	States  map[State]int `json:"states"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Class  device.Class
	Config config.ConnectionClassConfig

	Store  DeviceStore
	Sink   StateSink
	Events Publisher
	Audit  audit.Recorder
	Queue  *opqueue.Queue
	Dialer Dialer
	Logger Logger
}

type noopPublisher struct{}

func (noopPublisher) DeviceState(eventbus.DeviceState)   {}
func (noopPublisher) ListUpdated(device.Class, int, int) {}

// Manager owns every Conn of one device class.
type Manager struct {
	class  device.Class
	cfg    config.ConnectionClassConfig
	store  DeviceStore
	sink   StateSink
	events Publisher
	audit  audit.Recorder
	queue  *opqueue.Queue
	dialer Dialer
	logger Logger

	// opMu serialises registry changes so an old Conn is fully closed
	// before its replacement dials.
	opMu sync.Mutex

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

// NewManager creates an empty manager. Call LoadFromStore to populate it.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	if opts.Sink == nil {
		opts.Sink = noopSink{}
	}
	if opts.Queue == nil {
		opts.Queue = opqueue.New(opqueue.DefaultConcurrency)
	}
	return &Manager{
		class:  opts.Class,
		cfg:    opts.Config,
		store:  opts.Store,
		sink:   opts.Sink,
		events: opts.Events,
		audit:  opts.Audit,
		queue:  opts.Queue,
		dialer: opts.Dialer,
		logger: opts.Logger,
		conns:  make(map[string]*Conn),
	}
}

// Class returns the device class this manager serves.
func (m *Manager) Class() device.Class { return m.class }

func (m *Manager) newConn(ip string, variant device.Variant, initial device.PersistedState) (*Conn, error) {
	c, err := NewConn(Options{
		Class:   m.class,
		IP:      ip,
		Variant: variant,
		Config:  m.cfg,
		Dialer:  m.dialer,
		Sink:    m.sink,
		Logger:  m.logger,
		Initial: initial,
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// LoadFromStore creates a connection for every stored row of the class.
// Rows with a model outside the allow-list are skipped.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	devices, err := m.store.ListDevices(ctx, m.class)
	if err != nil {
		return fmt.Errorf("loading %s devices: %w", m.class, err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}

	loaded := 0
	for _, d := range devices {
		if err := device.ValidateVariant(m.class, d.Model); err != nil {
			m.logger.Warn("skipping device with unknown controller model", "class", m.class, "device", d.IP, "model", d.Model)
			continue
		}
		c, err := m.newConn(d.IP, d.Model, d.State())
		if err != nil {
			m.logger.Warn("skipping device", "class", m.class, "device", d.IP, "error", err)
			continue
		}
		if old := m.swap(d.IP, c); old != nil {
			old.Close()
		}
		if err := c.Connect(ctx); err != nil {
			m.logger.Warn("initial connect failed", "device", d.IP, "error", err)
		}
		loaded++
	}

	m.logger.Info("connections loaded", "class", m.class, "count", loaded, "skipped", len(devices)-loaded)
	m.events.ListUpdated(m.class, m.Len(), loaded)
	return nil
}

// swap installs c under ip and returns the previous Conn, if any.
func (m *Manager) swap(ip string, c *Conn) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.conns[ip]
	m.conns[ip] = c
	return old
}

func (m *Manager) lookup(ip string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[ip]
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// ensureRow makes sure the store holds the device with the given model and
// returns the row.
func (m *Manager) ensureRow(ctx context.Context, ip string, variant device.Variant) (device.Device, error) {
	row, err := m.store.GetDevice(ctx, m.class, ip)
	switch {
	case errors.Is(err, store.ErrNotFound):
		row = device.Device{Class: m.class, IP: ip}
	case err != nil:
		return device.Device{}, err
	case row.Model == variant:
		return row, nil
	}

	row.Model = variant
	id, err := m.store.UpsertDevice(ctx, row)
	if err != nil {
		return device.Device{}, err
	}
	row.ID = id
	return row, nil
}

// AddDevice starts a connection to ip, replacing any existing one.
func (m *Manager) AddDevice(ctx context.Context, ip string, variant device.Variant) error {
	if err := device.ValidateVariant(m.class, variant); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}

	row, err := m.ensureRow(ctx, ip, variant)
	if err != nil {
		return fmt.Errorf("registering %s device %s: %w", m.class, ip, err)
	}

	delta := 1
	if old := m.lookup(ip); old != nil {
		old.Close()
		delta = 0
	}

	c, err := m.newConn(ip, variant, row.State())
	if err != nil {
		return err
	}
	m.swap(ip, c)

	if err := c.Connect(ctx); err != nil {
		m.logger.Warn("connect after add failed", "device", ip, "error", err)
	}

	m.logger.Info("device added", "class", m.class, "device", ip, "variant", variant)
	m.events.DeviceState(eventbus.DeviceState{
		ID:           row.ID,
		IP:           ip,
		Class:        m.class,
		LinkedStatus: row.Link,
		Status:       row.Status,
		DisplayName:  row.DisplayName(),
	})
	m.events.ListUpdated(m.class, m.Len(), delta)
	return nil
}

// ModifyDevice switches the controller variant of a known device. The new
// connection dials after the configured modify delay.
func (m *Manager) ModifyDevice(ctx context.Context, ip string, variant device.Variant) error {
	if err := device.ValidateVariant(m.class, variant); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}

	old := m.lookup(ip)
	if old == nil {
		return fmt.Errorf("%w: %s %s", device.ErrDeviceNotFound, m.class, ip)
	}
	old.Close()

	// The link starts over as unknown for the new controller. The stored
	// status stays until the new controller reports one.
	initial := device.PersistedState{Status: old.Persisted().Status}
	row, err := m.ensureRow(ctx, ip, variant)
	if err != nil {
		m.logger.Warn("updating controller model failed", "device", ip, "error", err)
	} else {
		initial.Status = row.Status
	}

	c, err := m.newConn(ip, variant, initial)
	if err != nil {
		return err
	}
	m.swap(ip, c)

	if err := c.ConnectAfter(ctx, m.cfg.ModifyReconnectDelay); err != nil {
		m.logger.Warn("scheduling reconnect after modify failed", "device", ip, "error", err)
	}
	m.logger.Info("device modified", "class", m.class, "device", ip, "from", old.Variant(), "to", variant)
	return nil
}

// RemoveDevice closes the connection to ip and forgets it.
func (m *Manager) RemoveDevice(_ context.Context, ip string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	c, ok := m.conns[ip]
	delete(m.conns, ip)
	count := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s %s", device.ErrDeviceNotFound, m.class, ip)
	}
	c.Close()

	m.logger.Info("device removed", "class", m.class, "device", ip)
	m.events.ListUpdated(m.class, count, -1)
	return nil
}

// SendCommand runs cmd on the target. Validation problems are returned as
// errors; per-device failures land in Result.ErrorList.
func (m *Manager) SendCommand(ctx context.Context, target Target, cmd Command) (Result, error) {
	if !target.All && len(target.IDs) == 0 {
		return Result{}, ErrMissingTarget
	}
	if err := ValidateCommand(m.class, cmd); err != nil {
		return Result{}, err
	}

	ids := target.IDs
	if target.All {
		ids = m.IDs()
	}

	var res Result
	if !target.All && len(ids) == 1 {
		res = m.collect(ids, []error{m.sendOne(ctx, ids[0], cmd)})
	} else {
		res = m.fanOut(ctx, ids, cmd)
	}

	m.record(ctx, target, cmd, res)
	return res, nil
}

func (m *Manager) sendOne(ctx context.Context, ip string, cmd Command) error {
	c := m.lookup(ip)
	if c == nil {
		return fmt.Errorf("%w: %s %s", device.ErrDeviceNotFound, m.class, ip)
	}
	return c.SendCommand(ctx, cmd)
}

func (m *Manager) fanOut(ctx context.Context, ids []string, cmd Command) Result {
	futures := make([]*opqueue.Future, len(ids))
	for i, ip := range ids {
		futures[i] = m.queue.Add(func(qctx context.Context) error {
			opCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(qctx, cancel)
			defer stop()
			return m.sendOne(opCtx, ip, cmd)
		})
	}

	errs := make([]error, len(ids))
	for i, f := range futures {
		errs[i] = f.Wait(ctx)
	}
	return m.collect(ids, errs)
}

func (m *Manager) collect(ids []string, errs []error) Result {
	res := Result{SuccessList: []string{}, ErrorList: []CommandError{}}
	for i, ip := range ids {
		if errs[i] != nil {
			res.ErrorList = append(res.ErrorList, CommandError{ID: ip, Error: errs[i].Error()})
			continue
		}
		res.SuccessList = append(res.SuccessList, ip)
	}
	return res
}

func (m *Manager) record(ctx context.Context, target Target, cmd Command, res Result) {
	if m.audit == nil {
		return
	}
	targetName := "all"
	if !target.All {
		targetName = strings.Join(target.IDs, ",")
	}
	details := map[string]any{"succeeded": res.SuccessList}
	if len(res.ErrorList) > 0 {
		details["errors"] = res.ErrorList
	}
	entry := &audit.Entry{
		Action:  string(m.class) + "." + string(cmd.Action),
		Class:   string(m.class),
		Target:  targetName,
		Outcome: audit.OutcomeOf(len(res.SuccessList), len(res.ErrorList)),
		Details: details,
	}

	// The audit write must land even if the caller has gone away.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.audit.Record(recCtx, entry); err != nil {
		m.logger.Error("recording command outcome failed", "action", entry.Action, "error", err)
	}
}

// HandlePersisted refreshes the cached state of ip after a flush. It is
// registered with the batch flusher.
func (m *Manager) HandlePersisted(ip string, st device.PersistedState) {
	if c := m.lookup(ip); c != nil {
		c.SetPersisted(st)
	}
}

// IDs returns the managed addresses in order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for ip := range m.conns {
		ids = append(ids, ip)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of managed devices.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Snapshot returns the view of one connection.
func (m *Manager) Snapshot(ip string) (Snapshot, bool) {
	c := m.lookup(ip)
	if c == nil {
		return Snapshot{}, false
	}
	return c.Snapshot(), true
}

// Snapshots returns every connection view ordered by address.
func (m *Manager) Snapshots() []Snapshot {
	ids := m.IDs()
	out := make([]Snapshot, 0, len(ids))
	for _, ip := range ids {
		if s, ok := m.Snapshot(ip); ok {
			out = append(out, s)
		}
	}
	return out
}

// Stats counts connections per state.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{Class: m.class, States: make(map[State]int)}
	for _, s := range m.Snapshots() {
		stats.Devices++
		stats.States[s.State]++
	}
	return stats
}

// Close tears down every connection. The manager refuses new devices
// afterwards.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	m.logger.Info("connections closed", "class", m.class, "count", len(conns))
}
