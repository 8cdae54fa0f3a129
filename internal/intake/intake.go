package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/floodgate-core/internal/connection"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/floodgate-core/internal/sensorqueue"
)

const (
	defaultCommandTimeout = time.Minute
	subscribeQoS          = 1
)

// Subscriber is the subscribing half of the MQTT client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Publisher sends acks. *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// DeviceManager is the operation surface of a connection.Manager.
type DeviceManager interface {
	AddDevice(ctx context.Context, ip string, variant device.Variant) error
	ModifyDevice(ctx context.Context, ip string, variant device.Variant) error
	RemoveDevice(ctx context.Context, ip string) error
	SendCommand(ctx context.Context, target connection.Target, cmd connection.Command) (connection.Result, error)
}

// SensorSink accepts sensor pushes. *sensorqueue.Serializer satisfies it.
type SensorSink interface {
	Enqueue(ev sensorqueue.Event) error
}

// Logger is the logging interface used by the intake.
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

// Options configures an Intake.
type Options struct {
	Managers map[device.Class]DeviceManager
	// Sensors may be nil, in which case sensor topics are not subscribed.
	Sensors   SensorSink
	Client    Subscriber
	Publisher Publisher
	Logger    Logger
	// CommandTimeout bounds one request including every device of a
	// fan-out. Defaults to one minute.
	CommandTimeout time.Duration
}

// Intake subscribes to request topics and dispatches them.
type Intake struct {
	managers  map[device.Class]DeviceManager
	sensors   SensorSink
	client    Subscriber
	publisher Publisher
	logger    Logger
	timeout   time.Duration
	topics    mqtt.Topics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	stopped    bool
	subscribed []string

	commands atomic.Uint64
	rejected atomic.Uint64
	readings atomic.Uint64
}

// Stats counts handled messages.
type Stats struct {
	Commands uint64 `json:"commands"`
	Rejected uint64 `json:"rejected"`
	Sensors  uint64 `json:"sensors"`
}

// New creates an Intake. Call Start to subscribe.
func New(opts Options) *Intake {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Intake{
		managers:  opts.Managers,
		sensors:   opts.Sensors,
		client:    opts.Client,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		timeout:   opts.CommandTimeout,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

type route struct {
	topic   string
	handler mqtt.MessageHandler
}

// Start subscribes to the command topics and, when a sensor sink is set,
// the sensor topics.
func (in *Intake) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return ErrStopped
	}

	subs := []route{{in.topics.AllCommands(), in.handleCommand}}
	if in.sensors != nil {
		subs = append(subs, route{in.topics.AllSensorReports(), in.handleSensor})
	}

	for _, s := range subs {
		if err := in.client.Subscribe(s.topic, subscribeQoS, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
		in.subscribed = append(in.subscribed, s.topic)
	}
	in.logger.Info("intake started", "topics", in.subscribed)
	return nil
}

// Stop unsubscribes and waits for in-flight commands. When ctx expires
// first, in-flight commands are cancelled and Stop still waits for them
// to return.
func (in *Intake) Stop(ctx context.Context) error {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return nil
	}
	in.stopped = true
	topics := in.subscribed
	in.subscribed = nil
	in.mu.Unlock()

	for _, topic := range topics {
		if err := in.client.Unsubscribe(topic); err != nil {
			in.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		in.cancel()
		<-done
	}
	in.cancel()
	in.logger.Info("intake stopped")
	return err
}

// Stats returns the counters.
func (in *Intake) Stats() Stats {
	return Stats{
		Commands: in.commands.Load(),
		Rejected: in.rejected.Load(),
		Sensors:  in.readings.Load(),
	}
}

// handleCommand parses a request and runs it on its own goroutine.
func (in *Intake) handleCommand(topic string, payload []byte) error {
	name, err := mqtt.ParseCommandTopic(topic)
	if err != nil {
		return err
	}
	class := device.Class(name)

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		in.rejected.Add(1)
		in.ack(class, msg, nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err))
		return fmt.Errorf("parsing command on %s: %w", topic, err)
	}
	if msg.ID == "" {
		msg.ID = "cmd-" + uuid.NewString()
	}

	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		in.rejected.Add(1)
		in.ack(class, msg, nil, ErrStopped)
		return nil
	}
	in.wg.Add(1)
	in.mu.Unlock()

	in.logger.Info("received command", "command_id", msg.ID, "class", class, "op", msg.Op)
	go func() {
		defer in.wg.Done()
		ctx, cancel := context.WithTimeout(in.ctx, in.timeout)
		defer cancel()

		res, err := in.execute(ctx, class, msg)
		if err != nil {
			in.rejected.Add(1)
		} else {
			in.commands.Add(1)
		}
		in.ack(class, msg, res, err)
	}()
	return nil
}

func (in *Intake) execute(ctx context.Context, class device.Class, msg CommandMessage) (*connection.Result, error) {
	m, ok := in.managers[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoManager, class)
	}

	switch msg.Op {
	case OpAddDevice:
		return nil, m.AddDevice(ctx, msg.IP, msg.Variant)
	case OpModifyDevice:
		return nil, m.ModifyDevice(ctx, msg.IP, msg.Variant)
	case OpRemoveDevice:
		return nil, m.RemoveDevice(ctx, msg.IP)
	case OpSendCommand:
		res, err := m.SendCommand(ctx, msg.Target, msg.Command)
		if err != nil {
			return nil, err
		}
		return &res, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, msg.Op)
	}
}

func (in *Intake) ack(class device.Class, msg CommandMessage, res *connection.Result, err error) {
	a := AckMessage{
		CommandID: msg.ID,
		Timestamp: in.now().UTC(),
		Class:     class,
		Op:        msg.Op,
		Status:    AckOK,
		Result:    res,
	}
	switch {
	case err != nil:
		a.Status = AckFailed
		a.Error = &AckError{Code: errorCode(err), Message: err.Error()}
	case res != nil && len(res.ErrorList) > 0 && len(res.SuccessList) == 0:
		a.Status = AckFailed
	case res != nil && len(res.ErrorList) > 0:
		a.Status = AckPartial
	}

	if in.publisher == nil {
		return
	}
	if pubErr := in.publisher.PublishJSON(in.topics.CommandAck(string(class)), a, false); pubErr != nil {
		in.logger.Warn("publishing ack failed", "command_id", msg.ID, "error", pubErr)
	}
}

// handleSensor hands a sensor push to the serializer.
func (in *Intake) handleSensor(topic string, payload []byte) error {
	ip, kindName, err := mqtt.ParseSensorTopic(topic)
	if err != nil {
		return err
	}
	kind := sensorqueue.Kind(kindName)
	if kind != sensorqueue.KindReading && kind != sensorqueue.KindThreshold {
		in.rejected.Add(1)
		return fmt.Errorf("%w: report kind %q", ErrInvalidMessage, kindName)
	}

	var msg SensorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		in.rejected.Add(1)
		return fmt.Errorf("parsing sensor report on %s: %w", topic, err)
	}

	in.mu.Lock()
	stopped := in.stopped
	in.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if err := in.sensors.Enqueue(msg.event(ip, kind)); err != nil {
		in.rejected.Add(1)
		return fmt.Errorf("queueing %s from %s: %w", kind, ip, err)
	}
	in.readings.Add(1)
	return nil
}
