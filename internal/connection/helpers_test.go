package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/floodgate-core/internal/batch"
	"github.com/nerrad567/floodgate-core/internal/codec"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
)

const waitTimeout = 3 * time.Second

func testConfig() config.ConnectionClassConfig {
	return config.ConnectionClassConfig{
		ConnectTimeout:         time.Second,
		PollInterval:           time.Hour,
		ResponseTimeout:        time.Hour,
		MaxConsecutiveTimeouts: 3,
		CommandTimeout:         100 * time.Millisecond,
		MaxRetryCount:          2,
		RetryDelay:             10 * time.Millisecond,
		ResetDelay:             150 * time.Millisecond,
		ReconnectBase:          time.Hour,
		ReconnectMax:           time.Hour,
		MaxFailures:            5,
		BreakerCooldown:        time.Hour,
		ModifyReconnectDelay:   20 * time.Millisecond,
	}
}

// pipeDialer hands out in-memory sockets and keeps the server ends.
type pipeDialer struct {
	mu    sync.Mutex
	dials int
	addrs []string
	err   error
	hold  chan struct{}
	wrap  func(net.Conn) net.Conn
	drain bool
	open  map[string]int // live sockets per host
	peak  int

	peers chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 16), open: make(map[string]int)}
}

func (d *pipeDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.addrs = append(d.addrs, addr)
	err, hold, wrap, drain := d.err, d.hold, d.wrap, d.drain
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(addr)
	client, server := net.Pipe()
	if drain {
		go io.Copy(io.Discard, server) //nolint:errcheck // Test drain
	} else {
		d.peers <- server
	}

	d.mu.Lock()
	d.open[host]++
	d.peak = max(d.peak, d.open[host])
	d.mu.Unlock()

	var c net.Conn = &trackedConn{Conn: client, d: d, host: host}
	if wrap != nil {
		c = wrap(c)
	}
	return c, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) openCount(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[host]
}

func (d *pipeDialer) peakOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

type trackedConn struct {
	net.Conn
	d    *pipeDialer
	host string
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.d.mu.Lock()
		c.d.open[c.host]--
		c.d.mu.Unlock()
	})
	return c.Conn.Close()
}

// failingConn records writes and fails any containing failOn.
type failingConn struct {
	net.Conn
	failOn []byte

	mu     sync.Mutex
	writes [][]byte
}

func (c *failingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	c.mu.Unlock()
	if bytes.Contains(b, c.failOn) {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(b)
}

func (c *failingConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

type received struct {
	data []byte
	at   time.Time
}

// peer is the device side of a pipe.
type peer struct {
	conn   net.Conn
	frames chan received
}

func acceptPeer(t *testing.T, d *pipeDialer, split codec.SplitFunc) *peer {
	t.Helper()
	var conn net.Conn
	select {
	case conn = <-d.peers:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a dial")
	}

	p := &peer{conn: conn, frames: make(chan received, 64)}
	go func() {
		defer close(p.frames)
		buf := make([]byte, 4096)
		var pending []byte
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				at := time.Now()
				pending = append(pending, buf[:n]...)
				var frames [][]byte
				frames, pending = split(pending)
				for _, f := range frames {
					p.frames <- received{data: f, at: at}
				}
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *peer) next(t *testing.T) received {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		if !ok {
			t.Fatal("peer socket closed")
		}
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
	}
	return received{}
}

func (p *peer) send(t *testing.T, b []byte) {
	t.Helper()
	if _, err := p.conn.Write(b); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	updates []batch.Update
}

func (s *recordingSink) Submit(u batch.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) all() []batch.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]batch.Update(nil), s.updates...)
}

// levelLogger records messages per level.
type levelLogger struct {
	mu     sync.Mutex
	debugs []string
	warns  []string
}

func (l *levelLogger) Debug(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *levelLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *levelLogger) Info(string, ...any)  {}
func (l *levelLogger) Error(string, ...any) {}

func (l *levelLogger) count(level string, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.debugs
	if level == "warn" {
		msgs = l.warns
	}
	n := 0
	for _, m := range msgs {
		if m == msg {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestConn(t *testing.T, opts Options) *Conn {
	t.Helper()
	c, err := NewConn(opts)
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	c.Start()
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return c.Snapshot().State == want })
}
