package codec

import (
	"bytes"
	"fmt"

	"github.com/nerrad567/floodgate-core/internal/device"
)

// Gate control bytes.
const (
	STX byte = 0x02
	ETX byte = 0x03
)

// Gate ASCII command words.
const (
	GateUpLock  = "GATE UPLOCK"
	GateDown    = "GATE DOWN"
	GateUnlock  = "GATE UNLOCK"
	SystemReset = "SYSTEM RESET"
	GateStatus  = "STATUS"
)

var (
	markerGateUp   = []byte("GATE=UP")
	markerGateDown = []byte("GATE=DOWN")
)

// EncodeGate frames an ASCII command word.
func EncodeGate(command string) []byte {
	out := make([]byte, 0, len(command)+2)
	out = append(out, STX)
	out = append(out, command...)
	return append(out, ETX)
}

// SplitGate extracts STX...ETX frames, markers included.
func SplitGate(buf []byte) (frames [][]byte, rest []byte) {
	for {
		start := bytes.IndexByte(buf, STX)
		if start < 0 {
			return frames, nil
		}
		buf = buf[start:]

		end := bytes.IndexByte(buf[1:], ETX)
		if end < 0 {
			return frames, capRest(buf)
		}
		end += 2 // past the ETX, relative to buf

		frame := make([]byte, end)
		copy(frame, buf[:end])
		frames = append(frames, frame)
		buf = buf[end:]
	}
}

// DecodeGateStatus parses a status reply frame into device.StatusOpen or
// device.StatusClosed.
func DecodeGateStatus(frame []byte) (string, error) {
	if len(frame) < 2 || frame[0] != STX || frame[len(frame)-1] != ETX {
		return "", fmt.Errorf("%w: missing STX/ETX", ErrMalformedFrame)
	}
	body := frame[1 : len(frame)-1]

	switch {
	case bytes.Contains(body, markerGateUp):
		return device.StatusOpen, nil
	case bytes.Contains(body, markerGateDown):
		return device.StatusClosed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, body)
	}
}
