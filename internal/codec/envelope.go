package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/floodgate-core/internal/device"
)

// Envelope delimiters.
const (
	EnvelopeStart = "#####"
	EnvelopeEnd   = "$$$$$"
)

// Kind tags an envelope.
type Kind string

const (
	KindControl   Kind = "control"
	KindGateTx    Kind = "gate_comm_tx"
	KindGateRx    Kind = "gate_comm_rx"
	KindKeepAlive Kind = "keep_alive"
)

// Envelope is the JSON body carried between the delimiters. Seq correlates
// a reply with its request when the gateway echoes it.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Seq     uint32          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GateTx is the payload of a gate_comm_tx envelope.
type GateTx struct {
	Command string `json:"command"`
}

// GateRx is the payload of a gate_comm_rx envelope. Status is a single
// digit code.
type GateRx struct {
	Status string `json:"status"`
}

// BoardContent is the payload of a control envelope sent to a board
// gateway: media references, four text slots and a display mode.
type BoardContent struct {
	Video string    `json:"video,omitempty"`
	Image string    `json:"image,omitempty"`
	Texts [4]string `json:"texts"`
	Mode  int       `json:"mode"`
}

// Gate gateway command words.
const (
	GatewayOpen   = "open"
	GatewayClose  = "close"
	GatewayStatus = "status"
)

var (
	envStart = []byte(EnvelopeStart)
	envEnd   = []byte(EnvelopeEnd)
)

// EncodeEnvelope builds an envelope of the given kind around payload.
// A nil payload produces an envelope without a payload field.
func EncodeEnvelope(kind Kind, seq uint32, payload any) ([]byte, error) {
	env := Envelope{Kind: kind, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		env.Payload = raw
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	out := make([]byte, 0, len(body)+len(envStart)+len(envEnd))
	out = append(out, envStart...)
	out = append(out, body...)
	return append(out, envEnd...), nil
}

// SplitEnvelopes extracts #####...$$$$$ frames, delimiters included.
func SplitEnvelopes(buf []byte) (frames [][]byte, rest []byte) {
	for {
		start := bytes.Index(buf, envStart)
		if start < 0 {
			// Keep a partial start marker that may complete on the next read.
			return frames, capRest(partialSuffix(buf, envStart))
		}
		buf = buf[start:]

		end := bytes.Index(buf[len(envStart):], envEnd)
		if end < 0 {
			return frames, capRest(buf)
		}
		end += len(envStart) + len(envEnd)

		frame := make([]byte, end)
		copy(frame, buf[:end])
		frames = append(frames, frame)
		buf = buf[end:]
	}
}

// partialSuffix returns the longest suffix of buf that is a prefix of marker.
func partialSuffix(buf, marker []byte) []byte {
	for n := min(len(buf), len(marker)-1); n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], marker[:n]) {
			return buf[len(buf)-n:]
		}
	}
	return nil
}

// DecodeEnvelope strips the delimiters and parses the JSON body.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	body, ok := bytes.CutPrefix(frame, envStart)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing envelope start", ErrMalformedFrame)
	}
	body, ok = bytes.CutSuffix(body, envEnd)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing envelope end", ErrMalformedFrame)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: envelope without kind", ErrMalformedFrame)
	}
	return env, nil
}

// DecodeGateRx extracts the gate status from a gate_comm_rx envelope.
// Codes: 4 closed, 6 open, 5 disconnected.
func DecodeGateRx(env Envelope) (string, error) {
	if env.Kind != KindGateRx {
		return "", fmt.Errorf("%w: kind %q", ErrUnknownStatus, env.Kind)
	}
	var rx GateRx
	if err := json.Unmarshal(env.Payload, &rx); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	switch rx.Status {
	case "4":
		return device.StatusClosed, nil
	case "6":
		return device.StatusOpen, nil
	case "5":
		return device.StatusDisconnected, nil
	default:
		return "", fmt.Errorf("%w: code %q", ErrUnknownStatus, rx.Status)
	}
}
