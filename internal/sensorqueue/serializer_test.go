package sensorqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/floodgate-core/internal/device"
)

type call struct {
	ip    string
	value float64
}

// fakeHandler records calls and sleeps per value.
type fakeHandler struct {
	delays     map[float64]time.Duration
	failValues map[float64]bool
	resolveErr error
	onHandle   func(ev Event)

	resolves atomic.Int32

	mu       sync.Mutex
	calls    []call
	inFlight map[string]int
	overlap  bool
}

func (h *fakeHandler) Resolve(_ context.Context, class device.Class, ip string) (Meta, error) {
	h.resolves.Add(1)
	if h.resolveErr != nil {
		return Meta{}, h.resolveErr
	}
	return Meta{DeviceID: 7, Threshold: 2.5, Class: class}, nil
}

func (h *fakeHandler) Handle(_ context.Context, _ Meta, ev Event) error {
	h.mu.Lock()
	if h.inFlight == nil {
		h.inFlight = make(map[string]int)
	}
	h.inFlight[ev.IP]++
	if h.inFlight[ev.IP] > 1 {
		h.overlap = true
	}
	h.mu.Unlock()

	if h.onHandle != nil {
		h.onHandle(ev)
	}
	time.Sleep(h.delays[ev.Value])

	h.mu.Lock()
	h.inFlight[ev.IP]--
	h.calls = append(h.calls, call{ev.IP, ev.Value})
	h.mu.Unlock()

	if h.failValues[ev.Value] {
		return errors.New("store unavailable")
	}
	return nil
}

func (h *fakeHandler) values(ip string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []float64
	for _, c := range h.calls {
		if c.ip == ip {
			out = append(out, c.value)
		}
	}
	return out
}

func reading(ip string, v float64) Event {
	return Event{Kind: KindReading, Class: device.ClassSensor, IP: ip, Value: v}
}

func waitIdle(t *testing.T, s *Serializer, handled uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := s.Stats()
		if st.Pending == 0 && st.Active == 0 && st.Handled+st.Failed >= handled {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("serializer not idle: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSerializer_OrderWhenLaterTaskIsFaster(t *testing.T) {
	h := &fakeHandler{delays: map[float64]time.Duration{1: 50 * time.Millisecond}}
	s := New(Options{Handler: h})
	defer s.Close()

	for _, v := range []float64{1, 2, 3} {
		if err := s.Enqueue(reading("10.0.3.1", v)); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, s, 3)

	got := h.values("10.0.3.1")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("handled order = %v, want [1 2 3]", got)
	}
	if h.overlap {
		t.Error("two tasks for one device ran concurrently")
	}
}

func TestSerializer_DevicesDrainInParallel(t *testing.T) {
	bStarted := make(chan struct{})
	var overlapped atomic.Bool
	h := &fakeHandler{}
	h.onHandle = func(ev Event) {
		switch ev.IP {
		case "10.0.3.2":
			close(bStarted)
		case "10.0.3.1":
			select {
			case <-bStarted:
				overlapped.Store(true)
			case <-time.After(2 * time.Second):
			}
		}
	}
	s := New(Options{Handler: h})
	defer s.Close()

	if err := s.Enqueue(reading("10.0.3.1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(reading("10.0.3.2", 1)); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s, 2)

	if !overlapped.Load() {
		t.Error("a slow device blocked another device's queue")
	}
}

func TestSerializer_ClassConflict(t *testing.T) {
	s := New(Options{Handler: &fakeHandler{}})
	defer s.Close()

	if err := s.Enqueue(reading("10.0.3.1", 1)); err != nil {
		t.Fatal(err)
	}
	ev := reading("10.0.3.1", 2)
	ev.Class = device.ClassCamera
	if err := s.Enqueue(ev); !errors.Is(err, ErrClassConflict) {
		t.Fatalf("Enqueue(other class) error = %v, want ErrClassConflict", err)
	}
	if got := s.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestSerializer_BindingExpiresAfterIdleTTL(t *testing.T) {
	h := &fakeHandler{}
	s := New(Options{Handler: h, IdleTTL: time.Minute})
	defer s.Close()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Enqueue(reading("10.0.3.1", 1)); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s, 1)

	now = now.Add(2 * time.Minute)
	ev := reading("10.0.3.1", 2)
	ev.Class = device.ClassCamera
	if err := s.Enqueue(ev); err != nil {
		t.Fatalf("Enqueue() after idle TTL error = %v", err)
	}
	waitIdle(t, s, 2)

	if got := h.resolves.Load(); got != 2 {
		t.Errorf("resolves = %d, want 2 after expiry", got)
	}
}

func TestSerializer_ResolvesOnce(t *testing.T) {
	h := &fakeHandler{}
	s := New(Options{Handler: h})
	defer s.Close()

	for v := range 5 {
		if err := s.Enqueue(reading("10.0.3.1", float64(v))); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, s, 5)

	if got := h.resolves.Load(); got != 1 {
		t.Errorf("resolves = %d, want 1", got)
	}
}

func TestSerializer_ResolveFailureDropsEvent(t *testing.T) {
	h := &fakeHandler{resolveErr: errors.New("no such sensor")}
	s := New(Options{Handler: h})
	defer s.Close()

	if err := s.Enqueue(reading("10.0.3.9", 1)); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s, 1)

	if got := h.values("10.0.3.9"); len(got) != 0 {
		t.Errorf("handled %v for an unresolved sensor", got)
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("Failed = %d, want 1", st.Failed)
	}
}

func TestSerializer_HandlerErrorDoesNotStopQueue(t *testing.T) {
	h := &fakeHandler{failValues: map[float64]bool{1: true}}
	s := New(Options{Handler: h})
	defer s.Close()

	for _, v := range []float64{1, 2} {
		if err := s.Enqueue(reading("10.0.3.1", v)); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, s, 2)

	if got := h.values("10.0.3.1"); len(got) != 2 {
		t.Errorf("handled %v, want both events", got)
	}
	if st := s.Stats(); st.Handled != 1 || st.Failed != 1 {
		t.Errorf("Stats() = %+v, want 1 handled, 1 failed", st)
	}
}

func TestSerializer_CloseDrains(t *testing.T) {
	h := &fakeHandler{delays: map[float64]time.Duration{1: 20 * time.Millisecond, 2: 20 * time.Millisecond, 3: 20 * time.Millisecond}}
	s := New(Options{Handler: h})

	for _, v := range []float64{1, 2, 3} {
		if err := s.Enqueue(reading("10.0.3.1", v)); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	if got := h.values("10.0.3.1"); len(got) != 3 {
		t.Errorf("handled %v before Close returned, want 3 events", got)
	}
	if err := s.Enqueue(reading("10.0.3.1", 4)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrClosed", err)
	}
}

func TestSerializer_InvalidEvent(t *testing.T) {
	s := New(Options{Handler: &fakeHandler{}})
	defer s.Close()

	tests := []Event{
		{Kind: KindReading, Class: device.ClassSensor},
		{Kind: KindReading, Class: "pump", IP: "10.0.3.1"},
	}
	for _, ev := range tests {
		if err := s.Enqueue(ev); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("Enqueue(%+v) error = %v, want ErrInvalidEvent", ev, err)
		}
	}
}
