package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/floodgate-core/internal/batch"
	"github.com/nerrad567/floodgate-core/internal/codec"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
)

const (
	readBufferSize = 4096
	writeTimeout   = 5 * time.Second
)

// Dialer opens device sockets. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// StateSink receives state changes for batched persistence. *batch.Flusher
// satisfies it.
type StateSink interface {
	Submit(u batch.Update) error
}

// Logger is the logging interface used by connections and managers.
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

type noopSink struct{}

func (noopSink) Submit(batch.Update) error { return nil }

// Options configures a Conn.
type Options struct {
	Class   device.Class
	IP      string
	Variant device.Variant
	Config  config.ConnectionClassConfig

	Dialer Dialer
	Sink   StateSink
	Logger Logger

	// Initial seeds the cached persisted state, usually from the store row.
	Initial device.PersistedState

	// Rand feeds reconnect jitter; nil uses math/rand/v2.
	Rand func() float64
}

// Snapshot is a point-in-time view of a Conn for observation.
type Snapshot struct {
	IP                  string                `json:"ip"`
	Class               device.Class          `json:"class"`
	Variant             device.Variant        `json:"variant"`
	State               State                 `json:"state"`
	Persisted           device.PersistedState `json:"persisted"`
	ConsecutiveTimeouts int                   `json:"consecutiveTimeouts"`
	Failures            int                   `json:"failures"`
	BreakerOpenUntil    time.Time             `json:"breakerOpenUntil,omitzero"`
	ConnectedAt         time.Time             `json:"connectedAt,omitzero"`
	LastActivityAt      time.Time             `json:"lastActivityAt,omitzero"`
	QueuedCommands      int                   `json:"queuedCommands"`
}

type request struct {
	cmd    Command
	steps  []Step
	result chan error
}

func (r *request) reply(err error) {
	if r.result != nil {
		r.result <- err
	}
}

type dialResult struct {
	gen  uint64
	sock net.Conn
	err  error
}

type frameEvent struct {
	gen   uint64
	frame []byte
}

type sockError struct {
	gen uint64
	err error
}

type connectReq struct {
	delay  time.Duration
	result chan error
}

// stepWait tells the actor what the step timer is waiting for.
type stepWait int

const (
	waitNone stepWait = iota
	waitReply
	waitRetry
	waitDelay
)

// run is the command currently being written.
type run struct {
	req     *request
	idx     int
	attempt int
	wait    stepWait
}

// Conn is the session to one device. Create it with NewConn, call Start,
// then Connect.
type Conn struct {
	class   device.Class
	ip      string
	variant device.Variant
	address string
	profile Profile
	cfg     config.ConnectionClassConfig

	dialer  Dialer
	sink    StateSink
	logger  Logger
	backoff Backoff

	cmds     chan *request
	connects chan connectReq
	dialed   chan dialResult
	frames   chan frameEvent
	sockErrs chan sockError

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	// Actor-owned below this line.
	state               State
	sock                net.Conn
	gen                 uint64
	breaker             *Breaker
	consecutiveTimeouts int
	retryCount          int
	connectedAt         time.Time
	lastActivityAt      time.Time
	seq                 uint32
	submitted           device.PersistedState
	queued              *request
	fifo                []*request
	active              *run
	awaitingPoll        bool

	reconnectTimer *time.Timer
	pollTimer      *time.Timer
	responseTimer  *time.Timer
	stepTimer      *time.Timer
	cooldownTimer  *time.Timer

	mu     sync.RWMutex
	cached device.PersistedState
	snap   Snapshot
}

// NewConn validates the variant and builds a stopped Conn.
func NewConn(opts Options) (*Conn, error) {
	profile, err := ProfileFor(opts.Class, opts.Variant)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Sink == nil {
		opts.Sink = noopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	port := profile.DefaultPort
	if p, ok := opts.Config.Ports[string(opts.Variant)]; ok && p > 0 {
		port = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		class:   opts.Class,
		ip:      opts.IP,
		variant: opts.Variant,
		address: net.JoinHostPort(opts.IP, strconv.Itoa(port)),
		profile: profile,
		cfg:     opts.Config,
		dialer:  opts.Dialer,
		sink:    opts.Sink,
		logger:  opts.Logger,
		backoff: Backoff{
			Base: opts.Config.ReconnectBase,
			Max:  opts.Config.ReconnectMax,
			Rand: opts.Rand,
		},
		cmds:      make(chan *request),
		connects:  make(chan connectReq),
		dialed:    make(chan dialResult),
		frames:    make(chan frameEvent),
		sockErrs:  make(chan sockError),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		breaker:   NewBreaker(opts.Config.MaxFailures, opts.Config.BreakerCooldown),
		submitted: opts.Initial,
		cached:    opts.Initial,
	}
	c.publishSnapshot()
	return c, nil
}

// IP returns the device address.
func (c *Conn) IP() string { return c.ip }

// Variant returns the controller variant.
func (c *Conn) Variant() device.Variant { return c.variant }

// Address returns the dialled host:port.
func (c *Conn) Address() string { return c.address }

// Start launches the actor goroutine.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.loop()
	})
}

// Close stops the actor and waits until the socket is closed, every timer
// is stopped and all goroutines of this Conn have exited.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() { close(c.done) })
		c.cancel()
		c.wg.Wait()
	})
}

// Connect starts a session attempt. It is a no-op while connecting or
// connected and returns ErrCircuitOpen while the breaker is open.
func (c *Conn) Connect(ctx context.Context) error {
	return c.requestConnect(ctx, 0)
}

// ConnectAfter schedules the first connection attempt after delay.
func (c *Conn) ConnectAfter(ctx context.Context, delay time.Duration) error {
	return c.requestConnect(ctx, delay)
}

func (c *Conn) requestConnect(ctx context.Context, delay time.Duration) error {
	req := connectReq{delay: delay, result: make(chan error, 1)}
	select {
	case c.connects <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// SendCommand runs cmd on the device and waits for it to finish. Commands
// on one Conn run one at a time, in arrival order.
func (c *Conn) SendCommand(ctx context.Context, cmd Command) error {
	req := &request{cmd: cmd, result: make(chan error, 1)}
	select {
	case c.cmds <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// SetPersisted records the value the store now holds for this device.
func (c *Conn) SetPersisted(st device.PersistedState) {
	c.mu.Lock()
	c.cached = st
	c.snap.Persisted = st
	c.mu.Unlock()
}

// Persisted returns the cached persisted state.
func (c *Conn) Persisted() device.PersistedState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached
}

// Snapshot returns the last published view of the Conn.
func (c *Conn) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Conn) loop() {
	defer c.wg.Done()
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-c.ctx.Done():
			return

		case req := <-c.connects:
			c.handleConnect(req)

		case req := <-c.cmds:
			c.handleCommand(req)

		case r := <-c.dialed:
			c.handleDial(r)

		case ev := <-c.frames:
			if ev.gen == c.gen && c.state == StateConnected {
				c.handleFrame(ev.frame)
			}

		case se := <-c.sockErrs:
			if se.gen == c.gen && c.state == StateConnected {
				c.logger.Warn("device socket closed", "device", c.ip, "error", se.err)
				c.dropSession(se.err)
			}

		case <-timerC(c.reconnectTimer):
			c.reconnectTimer = nil
			if c.state == StateReconnecting {
				if err := c.connect(); err != nil {
					c.logger.Debug("reconnect skipped", "device", c.ip, "error", err)
				}
			}

		case <-timerC(c.pollTimer):
			c.pollTimer = nil
			c.poll()

		case <-timerC(c.responseTimer):
			c.responseTimer = nil
			c.handleResponseTimeout()

		case <-timerC(c.stepTimer):
			c.stepTimer = nil
			c.handleStepTimer()

		case <-timerC(c.cooldownTimer):
			c.cooldownTimer = nil
			c.handleCooldown()
		}
		c.publishSnapshot()
	}
}

// timerC returns t's channel, or nil so a disarmed timer never fires.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Conn) transition(to State) bool {
	if !canTransition(c.state, to) {
		c.logger.Error("illegal state transition refused", "device", c.ip, "from", c.state, "to", to)
		return false
	}
	c.logger.Debug("state transition", "device", c.ip, "from", c.state, "to", to)
	c.state = to
	return true
}

func (c *Conn) handleConnect(req connectReq) {
	if req.delay <= 0 {
		req.result <- c.connect()
		return
	}
	if c.state != StateDisconnected {
		req.result <- nil
		return
	}
	if c.transition(StateReconnecting) {
		c.reconnectTimer = time.NewTimer(req.delay)
	}
	req.result <- nil
}

// connect dials asynchronously; the result comes back on c.dialed.
func (c *Conn) connect() error {
	switch c.state {
	case StateConnecting, StateConnected:
		return nil
	}

	if !c.breaker.Allow() {
		c.enterFailed()
		return ErrCircuitOpen
	}
	if c.state == StateFailed {
		stopTimer(&c.cooldownTimer)
		c.transition(StateDisconnected)
	}
	stopTimer(&c.reconnectTimer)
	if !c.transition(StateConnecting) {
		return fmt.Errorf("connect from %s refused", c.state)
	}

	c.gen++
	gen := c.gen
	timeout := c.cfg.ConnectTimeout
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := c.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(c.ctx, timeout)
			defer cancel()
		}
		sock, err := c.dialer.DialContext(ctx, "tcp", c.address)
		select {
		case c.dialed <- dialResult{gen: gen, sock: sock, err: err}:
		case <-c.ctx.Done():
			if sock != nil {
				sock.Close()
			}
		}
	}()
	return nil
}

func (c *Conn) handleDial(r dialResult) {
	if r.gen != c.gen || c.state != StateConnecting {
		if r.sock != nil {
			r.sock.Close()
		}
		return
	}

	if r.err != nil {
		c.logger.Warn("device connect failed", "device", c.ip, "address", c.address, "error", r.err)
		c.transition(StateDisconnected)
		c.persistLink(device.LinkDown)
		if c.breaker.RecordFailure() {
			c.enterFailed()
			return
		}
		c.scheduleReconnect()
		return
	}

	c.transition(StateConnected)
	c.sock = r.sock
	c.startReader(r.sock, c.gen)

	now := time.Now()
	c.breaker.RecordSuccess()
	c.consecutiveTimeouts = 0
	c.retryCount = 0
	c.connectedAt = now
	c.lastActivityAt = now
	c.logger.Info("device connected", "device", c.ip, "address", c.address, "variant", c.variant)

	c.persistLink(device.LinkUp)
	c.poll()
	if c.state != StateConnected {
		return
	}

	if c.queued != nil {
		c.logger.Info("replaying queued command", "device", c.ip, "action", c.queued.cmd.Action)
		c.fifo = append([]*request{c.queued}, c.fifo...)
		c.queued = nil
		c.startNext()
	}
}

func (c *Conn) startReader(sock net.Conn, gen uint64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		buf := make([]byte, readBufferSize)
		var pending []byte
		for {
			n, err := sock.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				var frames [][]byte
				frames, pending = c.profile.Split(pending)
				for _, f := range frames {
					select {
					case c.frames <- frameEvent{gen: gen, frame: f}:
					case <-c.ctx.Done():
						return
					}
				}
			}
			if err != nil {
				select {
				case c.sockErrs <- sockError{gen: gen, err: err}:
				case <-c.ctx.Done():
				}
				return
			}
		}
	}()
}

// scheduleReconnect arms the reconnect timer. It does nothing while the
// breaker is open.
func (c *Conn) scheduleReconnect() {
	if c.breaker.IsOpen() {
		return
	}
	if !c.transition(StateReconnecting) {
		return
	}
	delay := c.backoff.Delay(c.breaker.Failures())
	c.logger.Debug("reconnect scheduled", "device", c.ip, "delay", delay, "failures", c.breaker.Failures())
	c.reconnectTimer = time.NewTimer(delay)
}

// enterFailed tears the session down and waits out the breaker cooldown.
func (c *Conn) enterFailed() {
	if c.state != StateFailed {
		c.closeSocket()
		c.stopSessionTimers()
		stopTimer(&c.reconnectTimer)
		c.failCommands(&NotConnectedError{DeviceID: c.ip, State: StateFailed})
		c.transition(StateFailed)
		c.logger.Warn("circuit breaker open", "device", c.ip, "failures", c.breaker.Failures(), "until", c.breaker.OpenUntil())
	}
	if c.cooldownTimer == nil {
		c.cooldownTimer = time.NewTimer(c.breaker.Remaining())
	}
	c.persistLink(device.LinkDown)
}

func (c *Conn) handleCooldown() {
	if c.state != StateFailed {
		return
	}
	c.breaker.Reset()
	c.transition(StateDisconnected)
	c.logger.Info("circuit breaker reset", "device", c.ip)
	if err := c.connect(); err != nil {
		c.logger.Warn("connect after cooldown failed", "device", c.ip, "error", err)
	}
}

// dropSession leaves Connected after a socket error or too many poll
// timeouts, then schedules a reconnect.
func (c *Conn) dropSession(cause error) {
	c.closeSocket()
	c.stopSessionTimers()
	c.failCommands(fmt.Errorf("%w: %w", ErrWriteFailed, cause))
	c.transition(StateDisconnected)
	c.persistLink(device.LinkDown)
	c.scheduleReconnect()
}

func (c *Conn) closeSocket() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.gen++
}

func (c *Conn) stopSessionTimers() {
	stopTimer(&c.pollTimer)
	stopTimer(&c.responseTimer)
	stopTimer(&c.stepTimer)
	c.awaitingPoll = false
}

// failCommands resolves the running and queued commands with err.
func (c *Conn) failCommands(err error) {
	if c.active != nil {
		c.active.req.reply(err)
		c.active = nil
	}
	for _, r := range c.fifo {
		r.reply(err)
	}
	c.fifo = nil
}

func (c *Conn) shutdown() {
	c.closeSocket()
	c.stopSessionTimers()
	stopTimer(&c.reconnectTimer)
	stopTimer(&c.cooldownTimer)
	c.failCommands(ErrClosed)
	if c.queued != nil {
		c.queued.reply(ErrClosed)
		c.queued = nil
	}
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.transition(StateDisconnected)
	}
	c.publishSnapshot()
}

func (c *Conn) write(frame []byte) error {
	if c.sock == nil {
		return &NotConnectedError{DeviceID: c.ip, State: c.state}
	}
	//nolint:errcheck // Write error caught below
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.sock.Write(frame)
	return err
}

func (c *Conn) nextSeq() uint32 {
	c.seq++
	if c.seq == 0 {
		c.seq = 1
	}
	return c.seq
}

func (c *Conn) poll() {
	if c.state != StateConnected {
		return
	}
	frame, err := c.profile.Poll(c.nextSeq())
	if err != nil {
		c.logger.Error("encoding status poll failed", "device", c.ip, "error", err)
		return
	}
	if err := c.write(frame); err != nil {
		c.logger.Warn("status poll write failed", "device", c.ip, "error", err)
		c.dropSession(err)
		return
	}
	if c.responseTimer == nil && c.cfg.ResponseTimeout > 0 {
		c.responseTimer = time.NewTimer(c.cfg.ResponseTimeout)
	}
	c.awaitingPoll = true
	if c.cfg.PollInterval > 0 {
		stopTimer(&c.pollTimer)
		c.pollTimer = time.NewTimer(c.cfg.PollInterval)
	}
}

func (c *Conn) handleResponseTimeout() {
	if c.state != StateConnected || !c.awaitingPoll {
		return
	}
	c.consecutiveTimeouts++
	c.logger.Debug("status poll unanswered", "device", c.ip, "consecutive", c.consecutiveTimeouts)
	if c.cfg.MaxConsecutiveTimeouts > 0 && c.consecutiveTimeouts >= c.cfg.MaxConsecutiveTimeouts {
		c.logger.Warn("device unresponsive, dropping session", "device", c.ip, "timeouts", c.consecutiveTimeouts)
		c.consecutiveTimeouts = 0
		c.dropSession(errors.New("status poll timed out"))
	}
}

func (c *Conn) handleFrame(frame []byte) {
	c.lastActivityAt = time.Now()
	c.consecutiveTimeouts = 0
	c.awaitingPoll = false
	stopTimer(&c.responseTimer)

	in, err := c.profile.Decode(frame)
	switch {
	case errors.Is(err, codec.ErrUnknownStatus):
		// Acks and other replies without a status line.
		c.logger.Debug("ignoring frame without status", "device", c.ip, "frame", fmt.Sprintf("%q", frame))
		return
	case err != nil:
		c.logger.Warn("discarding unparseable frame", "device", c.ip, "error", err, "frame", fmt.Sprintf("%q", frame))
		return
	}

	if in.Status != "" {
		st := device.PersistedState{Status: in.Status, Link: device.LinkUp}
		if in.Status == device.StatusDisconnected {
			st = device.PersistedState{Link: device.LinkDown}
		}
		c.persist(st)
	}

	if a := c.active; a != nil && a.wait == waitReply {
		if step := a.req.steps[a.idx]; step.Expect != nil && step.Expect(in) {
			stopTimer(&c.stepTimer)
			c.advance()
		}
	}
}

// persistLink submits a link change, keeping the last known status.
func (c *Conn) persistLink(link device.Link) {
	c.persist(device.PersistedState{Status: c.submitted.Status, Link: link})
}

// persist hands st to the flusher unless it equals the last submission.
func (c *Conn) persist(st device.PersistedState) {
	if st == c.submitted {
		return
	}
	c.submitted = st
	err := c.sink.Submit(batch.Update{
		Class:      c.class,
		IP:         c.ip,
		State:      st,
		ObservedAt: time.Now(),
	})
	if err != nil {
		c.logger.Warn("state submission rejected", "device", c.ip, "error", err)
	}
}

func (c *Conn) handleCommand(req *request) {
	steps, err := c.profile.Plan(req.cmd, c.nextSeq(), c.cfg.ResetDelay)
	if err != nil {
		req.reply(err)
		return
	}
	req.steps = steps

	switch c.state {
	case StateConnected:
		c.fifo = append(c.fifo, req)
		if c.active == nil {
			c.startNext()
		}
	case StateConnecting, StateReconnecting:
		// Keep the latest command for replay; the caller is told now.
		c.queued = &request{cmd: req.cmd, steps: steps}
		req.reply(&NotConnectedError{DeviceID: c.ip, State: c.state})
	default:
		req.reply(&NotConnectedError{DeviceID: c.ip, State: c.state})
	}
}

func (c *Conn) startNext() {
	if c.active != nil || len(c.fifo) == 0 || c.state != StateConnected {
		return
	}
	req := c.fifo[0]
	c.fifo = c.fifo[1:]
	c.active = &run{req: req}
	c.retryCount = 0
	c.writeStep()
}

func (c *Conn) writeStep() {
	a := c.active
	step := a.req.steps[a.idx]
	a.attempt++

	if err := c.write(step.Frame); err != nil {
		c.logger.Warn("command write failed", "device", c.ip, "action", a.req.cmd.Action, "step", a.idx, "error", err)
		a.req.reply(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		c.active = nil
		if c.breaker.RecordFailure() {
			c.enterFailed()
			return
		}
		if c.state == StateConnected {
			c.dropSession(err)
		}
		return
	}

	if step.Expect != nil {
		a.wait = waitReply
		c.stepTimer = time.NewTimer(c.cfg.CommandTimeout)
		return
	}
	c.advance()
}

// advance moves past the current step, honouring its delay.
func (c *Conn) advance() {
	a := c.active
	step := a.req.steps[a.idx]
	if step.Delay > 0 && a.idx+1 < len(a.req.steps) && a.wait != waitDelay {
		a.wait = waitDelay
		c.stepTimer = time.NewTimer(step.Delay)
		return
	}

	a.idx++
	a.attempt = 0
	a.wait = waitNone
	if a.idx < len(a.req.steps) {
		c.writeStep()
		return
	}

	a.req.reply(nil)
	c.active = nil
	c.startNext()
}

func (c *Conn) handleStepTimer() {
	a := c.active
	if a == nil {
		return
	}
	switch a.wait {
	case waitDelay:
		c.advance()
	case waitRetry:
		c.writeStep()
	case waitReply:
		if a.attempt > max(c.cfg.MaxRetryCount, 0) {
			err := &CommandTimeoutError{DeviceID: c.ip, Attempts: a.attempt}
			c.logger.Warn("command timed out", "device", c.ip, "action", a.req.cmd.Action, "attempts", a.attempt)
			a.req.reply(err)
			c.active = nil
			if c.breaker.RecordFailure() {
				c.enterFailed()
				return
			}
			c.startNext()
			return
		}
		c.retryCount++
		a.wait = waitRetry
		c.stepTimer = time.NewTimer(c.cfg.RetryDelay)
	}
}

func (c *Conn) publishSnapshot() {
	queued := len(c.fifo)
	if c.queued != nil {
		queued++
	}
	c.mu.Lock()
	c.snap = Snapshot{
		IP:                  c.ip,
		Class:               c.class,
		Variant:             c.variant,
		State:               c.state,
		Persisted:           c.cached,
		ConsecutiveTimeouts: c.consecutiveTimeouts,
		Failures:            c.breaker.Failures(),
		BreakerOpenUntil:    c.breaker.OpenUntil(),
		ConnectedAt:         c.connectedAt,
		LastActivityAt:      c.lastActivityAt,
		QueuedCommands:      queued,
	}
	c.mu.Unlock()
}
