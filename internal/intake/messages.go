package intake

import (
	"errors"
	"time"

	"github.com/nerrad567/floodgate-core/internal/connection"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/sensorqueue"
)

// Op names a manager operation.
type Op string

const (
	OpAddDevice    Op = "addDevice"
	OpModifyDevice Op = "modifyDevice"
	OpRemoveDevice Op = "removeDevice"
	OpSendCommand  Op = "sendCommand"
)

// CommandMessage is a request on floodgate/command/<class>.
type CommandMessage struct {
	// ID correlates the request with its ack. Generated when empty.
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Op        Op        `json:"op"`

	// IP and Variant are used by the device ops.
	IP      string         `json:"ip,omitempty"`
	Variant device.Variant `json:"variant,omitempty"`

	// Target and Command are used by sendCommand.
	Target  connection.Target  `json:"target,omitzero"`
	Command connection.Command `json:"command,omitzero"`
}

// AckStatus is the outcome of a request.
type AckStatus string

const (
	AckOK      AckStatus = "ok"
	AckPartial AckStatus = "partial"
	AckFailed  AckStatus = "failed"
)

// AckMessage answers a CommandMessage on floodgate/command/<class>/ack.
type AckMessage struct {
	CommandID string             `json:"command_id"`
	Timestamp time.Time          `json:"timestamp"`
	Class     device.Class       `json:"class"`
	Op        Op                 `json:"op"`
	Status    AckStatus          `json:"status"`
	Result    *connection.Result `json:"result,omitempty"`
	Error     *AckError          `json:"error,omitempty"`
}

// AckError describes a failed request.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in AckError.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeUnknownVariant = "UNKNOWN_VARIANT"
	ErrCodeMissingTarget  = "MISSING_TARGET"
	ErrCodeNotFound       = "DEVICE_NOT_FOUND"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeShuttingDown   = "SHUTTING_DOWN"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeDeviceTimeout  = "TIMEOUT"
	ErrCodeDeviceOffline  = "DEVICE_UNREACHABLE"
)

// errorCode maps a manager error onto an ack code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownOp), errors.Is(err, ErrInvalidMessage):
		return ErrCodeInvalidMessage
	case errors.Is(err, ErrNoManager):
		return ErrCodeNotConfigured
	case errors.Is(err, device.ErrUnknownVariant):
		return ErrCodeUnknownVariant
	case errors.Is(err, device.ErrDeviceNotFound):
		return ErrCodeNotFound
	case errors.Is(err, connection.ErrMissingTarget):
		return ErrCodeMissingTarget
	case errors.Is(err, connection.ErrUnknownCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, connection.ErrCircuitOpen):
		return ErrCodeCircuitOpen
	case errors.Is(err, connection.ErrCommandTimeout):
		return ErrCodeDeviceTimeout
	case errors.Is(err, connection.ErrNotConnected):
		return ErrCodeDeviceOffline
	case errors.Is(err, connection.ErrClosed), errors.Is(err, ErrStopped):
		return ErrCodeShuttingDown
	default:
		return ErrCodeInternal
	}
}

// SensorMessage is the payload of a sensor push.
type SensorMessage struct {
	// Class defaults to sensor.
	Class     device.Class `json:"class,omitempty"`
	Value     float64      `json:"value"`
	Severity  int          `json:"severity,omitempty"`
	Timestamp time.Time    `json:"timestamp,omitzero"`
}

func (m SensorMessage) event(ip string, kind sensorqueue.Kind) sensorqueue.Event {
	class := m.Class
	if class == "" {
		class = device.ClassSensor
	}
	return sensorqueue.Event{
		Kind:     kind,
		Class:    class,
		IP:       ip,
		Value:    m.Value,
		Severity: m.Severity,
		At:       m.Timestamp,
	}
}
