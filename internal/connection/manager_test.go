package connection

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/floodgate-core/internal/audit"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/eventbus"
	"github.com/nerrad567/floodgate-core/internal/store"
	"github.com/nerrad567/floodgate-core/internal/store/storetest"
)

type listEvent struct {
	class        device.Class
	count, delta int
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []eventbus.DeviceState
	lists  []listEvent
}

func (p *recordingPublisher) DeviceState(ev eventbus.DeviceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, ev)
}

func (p *recordingPublisher) ListUpdated(class device.Class, count, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists = append(p.lists, listEvent{class, count, delta})
}

func (p *recordingPublisher) deltas() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.lists))
	for i, l := range p.lists {
		out[i] = l.delta
	}
	return out
}

type managerFixture struct {
	m      *Manager
	store  *store.Store
	dialer *pipeDialer
	sink   *recordingSink
	events *recordingPublisher
	audit  *audit.SQLiteRepository
}

func newManagerFixture(t *testing.T, class device.Class) *managerFixture {
	t.Helper()
	s := storetest.Open(t)
	f := &managerFixture{
		store:  s,
		dialer: newPipeDialer(),
		sink:   &recordingSink{},
		events: &recordingPublisher{},
		audit:  audit.NewSQLiteRepository(s.DB()),
	}
	f.dialer.drain = true
	f.m = NewManager(ManagerOptions{
		Class:  class,
		Config: testConfig(),
		Store:  s,
		Sink:   f.sink,
		Events: f.events,
		Audit:  f.audit,
		Dialer: f.dialer,
	})
	t.Cleanup(f.m.Close)
	return f
}

func (f *managerFixture) waitConnected(t *testing.T, ip string) {
	t.Helper()
	waitFor(t, ip+" connected", func() bool {
		s, ok := f.m.Snapshot(ip)
		return ok && s.State == StateConnected
	})
}

func TestManager_SingleSocketAcrossAddModifyRemove(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()
	const ip = "10.0.0.1"

	if err := f.m.AddDevice(ctx, ip, device.VariantGateIntegrated); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	f.waitConnected(t, ip)

	if err := f.m.AddDevice(ctx, ip, device.VariantGateIntegrated); err != nil {
		t.Fatalf("second AddDevice() error = %v", err)
	}
	if err := f.m.ModifyDevice(ctx, ip, device.VariantGateLegacyReset); err != nil {
		t.Fatalf("ModifyDevice() error = %v", err)
	}
	f.waitConnected(t, ip)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = f.m.AddDevice(ctx, ip, device.VariantGateGateway)
			} else {
				err = f.m.ModifyDevice(ctx, ip, device.VariantGateLegacyUnlock)
			}
			if err != nil {
				t.Errorf("op %d error = %v", i, err)
			}
		}()
	}
	wg.Wait()
	f.waitConnected(t, ip)

	if got := f.dialer.openCount(ip); got != 1 {
		t.Errorf("open sockets = %d, want 1", got)
	}

	if err := f.m.RemoveDevice(ctx, ip); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	if got := f.dialer.openCount(ip); got != 0 {
		t.Errorf("open sockets after remove = %d, want 0", got)
	}
	if got := f.dialer.peakOpen(); got != 1 {
		t.Errorf("peak concurrent sockets = %d, want 1", got)
	}
	if _, ok := f.m.Snapshot(ip); ok {
		t.Error("Snapshot() found a removed device")
	}

	deltas := f.events.deltas()
	if deltas[0] != 1 || deltas[len(deltas)-1] != -1 {
		t.Errorf("list deltas = %v, want +1 first and -1 last", deltas)
	}
	for _, d := range deltas[1 : len(deltas)-1] {
		if d != 0 {
			t.Errorf("list deltas = %v, want 0 for replacements", deltas)
			break
		}
	}
}

func TestManager_AddDeviceRegistersRow(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()

	if err := f.m.AddDevice(ctx, "10.0.0.2", device.VariantGateLegacyReset); err != nil {
		t.Fatal(err)
	}
	row, err := f.store.GetDevice(ctx, device.ClassGate, "10.0.0.2")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if row.Model != device.VariantGateLegacyReset {
		t.Errorf("stored model = %q", row.Model)
	}

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if len(f.events.states) != 1 {
		t.Fatalf("device state events = %d, want 1", len(f.events.states))
	}
	ev := f.events.states[0]
	if ev.ID != row.ID || ev.IP != "10.0.0.2" || ev.LinkedStatus != device.LinkUnknown {
		t.Errorf("device state event = %+v", ev)
	}
}

func TestManager_ModifyResetsCachedState(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()
	storetest.Seed(t, f.store, device.Device{Class: device.ClassGate, IP: "10.0.0.3", Model: device.VariantGateIntegrated})
	storetest.SetState(t, f.store, device.ClassGate, "10.0.0.3", device.PersistedState{Status: device.StatusClosed, Link: device.LinkUp})

	if err := f.m.AddDevice(ctx, "10.0.0.3", device.VariantGateIntegrated); err != nil {
		t.Fatal(err)
	}
	snap, _ := f.m.Snapshot("10.0.0.3")
	if snap.Persisted.Status != device.StatusClosed {
		t.Fatalf("Persisted = %+v, want closed from the store", snap.Persisted)
	}

	if err := f.m.ModifyDevice(ctx, "10.0.0.3", device.VariantGateGateway); err != nil {
		t.Fatal(err)
	}
	snap, _ = f.m.Snapshot("10.0.0.3")
	if want := (device.PersistedState{Status: device.StatusClosed}); snap.Persisted != want {
		t.Errorf("Persisted after modify = %+v, want %+v", snap.Persisted, want)
	}
	if snap.Variant != device.VariantGateGateway {
		t.Errorf("Variant = %q", snap.Variant)
	}

	f.m.HandlePersisted("10.0.0.3", device.PersistedState{Status: device.StatusOpen, Link: device.LinkUp})
	if got := f.m.Snapshots()[0].Persisted.Status; got != device.StatusOpen {
		t.Errorf("Persisted.Status after flush = %q, want open", got)
	}
}

func TestManager_Validation(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"add unknown variant", f.m.AddDevice(ctx, "10.0.0.4", device.VariantBoardHex), device.ErrUnknownVariant},
		{"modify unknown device", f.m.ModifyDevice(ctx, "10.0.0.4", device.VariantGateIntegrated), device.ErrDeviceNotFound},
		{"remove unknown device", f.m.RemoveDevice(ctx, "10.0.0.4"), device.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, tt.err, tt.want)
		}
	}

	if _, err := f.m.SendCommand(ctx, Target{}, Command{Action: ActionOpen}); !errors.Is(err, ErrMissingTarget) {
		t.Errorf("SendCommand(empty target) error = %v, want ErrMissingTarget", err)
	}
	if _, err := f.m.SendCommand(ctx, Target{All: true}, Command{Action: ActionDisplay}); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("SendCommand(display on gates) error = %v, want ErrUnknownCommand", err)
	}
}

func TestManager_LoadFromStore(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()
	storetest.Seed(t, f.store,
		device.Device{Class: device.ClassGate, IP: "10.0.0.1", Model: device.VariantGateIntegrated},
		device.Device{Class: device.ClassGate, IP: "10.0.0.2", Model: "bogus"},
		device.Device{Class: device.ClassGate, IP: "10.0.0.3", Model: device.VariantGateGateway},
		device.Device{Class: device.ClassBoard, IP: "10.0.1.1", Model: device.VariantBoardHex},
	)
	storetest.SetState(t, f.store, device.ClassGate, "10.0.0.1", device.PersistedState{Status: device.StatusOpen, Link: device.LinkUp})

	if err := f.m.LoadFromStore(ctx); err != nil {
		t.Fatalf("LoadFromStore() error = %v", err)
	}

	if got := f.m.IDs(); !slices.Equal(got, []string{"10.0.0.1", "10.0.0.3"}) {
		t.Errorf("IDs() = %v", got)
	}
	snap, _ := f.m.Snapshot("10.0.0.1")
	if snap.Persisted != (device.PersistedState{Status: device.StatusOpen, Link: device.LinkUp}) {
		t.Errorf("Persisted = %+v, want open/up from the store", snap.Persisted)
	}

	f.events.mu.Lock()
	lists := append([]listEvent(nil), f.events.lists...)
	f.events.mu.Unlock()
	if len(lists) != 1 || lists[0] != (listEvent{device.ClassGate, 2, 2}) {
		t.Errorf("list events = %+v", lists)
	}

	f.waitConnected(t, "10.0.0.1")
	f.waitConnected(t, "10.0.0.3")
	if st := f.m.Stats(); st.Devices != 2 || st.States[StateConnected] != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestManager_SendCommand(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		if err := f.m.AddDevice(ctx, ip, device.VariantGateIntegrated); err != nil {
			t.Fatal(err)
		}
		f.waitConnected(t, ip)
	}

	tests := []struct {
		name        string
		target      Target
		wantSuccess []string
		wantErrors  []string
		wantTarget  string
		wantOutcome audit.Outcome
	}{
		{"single", Target{IDs: []string{"10.0.0.2"}}, []string{"10.0.0.2"}, nil, "10.0.0.2", audit.OutcomeSuccess},
		{"group with unknown", Target{IDs: []string{"10.0.0.1", "10.0.0.9"}}, []string{"10.0.0.1"}, []string{"10.0.0.9"}, "10.0.0.1,10.0.0.9", audit.OutcomePartial},
		{"all", Target{All: true}, []string{"10.0.0.1", "10.0.0.2"}, nil, "all", audit.OutcomeSuccess},
		{"unknown single", Target{IDs: []string{"10.0.0.8"}}, nil, []string{"10.0.0.8"}, "10.0.0.8", audit.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.m.SendCommand(ctx, tt.target, Command{Action: ActionOpen})
			if err != nil {
				t.Fatalf("SendCommand() error = %v", err)
			}
			if !slices.Equal(res.SuccessList, tt.wantSuccess) && len(res.SuccessList)+len(tt.wantSuccess) > 0 {
				t.Errorf("SuccessList = %v, want %v", res.SuccessList, tt.wantSuccess)
			}
			var failed []string
			for _, e := range res.ErrorList {
				failed = append(failed, e.ID)
			}
			if !slices.Equal(failed, tt.wantErrors) {
				t.Errorf("ErrorList = %+v, want ids %v", res.ErrorList, tt.wantErrors)
			}

			page, err := f.audit.List(ctx, audit.Filter{Target: tt.wantTarget})
			if err != nil {
				t.Fatal(err)
			}
			if page.Total != 1 {
				t.Fatalf("audit entries for %q = %d, want 1", tt.wantTarget, page.Total)
			}
			e := page.Entries[0]
			if e.Action != "gate.open" || e.Class != "gate" || e.Outcome != tt.wantOutcome {
				t.Errorf("audit entry = %+v, want gate.open %s", e, tt.wantOutcome)
			}
		})
	}
}

func TestManager_Close(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if err := f.m.AddDevice(ctx, ip, device.VariantGateIntegrated); err != nil {
			t.Fatal(err)
		}
		f.waitConnected(t, ip)
	}

	f.m.Close()
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if got := f.dialer.openCount(ip); got != 0 {
			t.Errorf("%s open sockets after Close = %d", ip, got)
		}
	}
	dials := f.dialer.dialCount()

	if err := f.m.AddDevice(ctx, "10.0.0.4", device.VariantGateIntegrated); !errors.Is(err, ErrClosed) {
		t.Errorf("AddDevice() after Close error = %v, want ErrClosed", err)
	}
	if err := f.m.ModifyDevice(ctx, "10.0.0.1", device.VariantGateGateway); !errors.Is(err, ErrClosed) {
		t.Errorf("ModifyDevice() after Close error = %v, want ErrClosed", err)
	}
	if err := f.m.LoadFromStore(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadFromStore() after Close error = %v, want ErrClosed", err)
	}

	// Past the modify reconnect delay nothing may have dialed.
	time.Sleep(5 * testConfig().ModifyReconnectDelay)
	if got := f.dialer.dialCount(); got != dials {
		t.Errorf("dials after Close = %d, want %d", got, dials)
	}
	if got := f.dialer.openCount("10.0.0.1"); got != 0 {
		t.Errorf("open sockets after Close = %d, want 0", got)
	}
}

func TestManager_ModifyKeepsStoredStatus(t *testing.T) {
	f := newManagerFixture(t, device.ClassGate)
	ctx := context.Background()
	const ip = "10.0.0.7"
	storetest.Seed(t, f.store, device.Device{Class: device.ClassGate, IP: ip, Model: device.VariantGateIntegrated})
	storetest.SetState(t, f.store, device.ClassGate, ip, device.PersistedState{Status: device.StatusClosed, Link: device.LinkUp})

	if err := f.m.AddDevice(ctx, ip, device.VariantGateIntegrated); err != nil {
		t.Fatal(err)
	}
	f.waitConnected(t, ip)
	if err := f.m.ModifyDevice(ctx, ip, device.VariantGateGateway); err != nil {
		t.Fatal(err)
	}
	f.waitConnected(t, ip)

	waitFor(t, "link submission from the new controller", func() bool {
		return len(f.sink.all()) > 0
	})
	for _, u := range f.sink.all() {
		if u.State.Status != device.StatusClosed {
			t.Errorf("submitted %+v, want status closed kept", u.State)
		}
	}
	if last := f.sink.all()[len(f.sink.all())-1]; last.State.Link != device.LinkUp {
		t.Errorf("last submission link = %s, want up", last.State.Link)
	}
}
