package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/floodgate-core/internal/codec"
	"github.com/nerrad567/floodgate-core/internal/device"
)

// Action names a command.
type Action string

const (
	ActionOpen    Action = "open"
	ActionClose   Action = "close"
	ActionStatus  Action = "status"
	ActionDisplay Action = "display"
	ActionClear   Action = "clear"
)

// Command is an operator request for one device.
type Command struct {
	Action Action `json:"action"`
	// Text and Colors are shown by display on hex boards, and as the first
	// text slot on gateway boards when Content is nil.
	Text   string   `json:"text,omitempty"`
	Colors []string `json:"colors,omitempty"`
	// Content is the full payload for gateway boards.
	Content *codec.BoardContent `json:"content,omitempty"`
}

// boardID addresses the display behind a board controller. Installations
// run one display per controller.
const boardID byte = 0x01

// Inbound is what a decoded frame tells the actor.
type Inbound struct {
	// Status is the gate status carried by the frame, or empty.
	Status string
	// Seq echoes the request sequence on envelope protocols.
	Seq uint32
	// Command echoes the request command byte on the board protocol.
	Command byte
}

// Step is one frame of a command. When Expect is set the actor waits for a
// matching reply, resending on timeout. Delay is the pause after the step
// before the next one is written.
type Step struct {
	Frame  []byte
	Expect func(Inbound) bool
	Delay  time.Duration
}

// Profile binds a controller variant to its port, codec and command plans.
type Profile struct {
	Class       device.Class
	Variant     device.Variant
	DefaultPort int

	Split  codec.SplitFunc
	Decode func(frame []byte) (Inbound, error)
	Poll   func(seq uint32) ([]byte, error)
	Plan   func(cmd Command, seq uint32, resetDelay time.Duration) ([]Step, error)
}

// Default TCP ports per variant.
const (
	portGateASCII   = 4001
	portBoardHex    = 5200
	portGatewayJSON = 5000
)

// ProfileFor returns the profile of a class and variant.
func ProfileFor(class device.Class, variant device.Variant) (Profile, error) {
	if err := device.ValidateVariant(class, variant); err != nil {
		return Profile{}, err
	}

	switch class {
	case device.ClassGate:
		if variant == device.VariantGateGateway {
			return gateGatewayProfile(), nil
		}
		return gateASCIIProfile(variant), nil
	case device.ClassBoard:
		if variant == device.VariantBoardGateway {
			return boardGatewayProfile(), nil
		}
		return boardHexProfile(), nil
	}
	return Profile{}, fmt.Errorf("%w: %s", device.ErrUnknownClass, class)
}

// ValidateCommand checks cmd against the actions a class supports.
func ValidateCommand(class device.Class, cmd Command) error {
	var ok bool
	switch class {
	case device.ClassGate:
		ok = cmd.Action == ActionOpen || cmd.Action == ActionClose || cmd.Action == ActionStatus
	case device.ClassBoard:
		ok = cmd.Action == ActionDisplay || cmd.Action == ActionClear || cmd.Action == ActionStatus
	}
	if !ok {
		return fmt.Errorf("%w: %q for %s", ErrUnknownCommand, cmd.Action, class)
	}
	return nil
}

func gateASCIIProfile(variant device.Variant) Profile {
	return Profile{
		Class:       device.ClassGate,
		Variant:     variant,
		DefaultPort: portGateASCII,
		Split:       codec.SplitGate,
		Decode: func(frame []byte) (Inbound, error) {
			status, err := codec.DecodeGateStatus(frame)
			if err != nil {
				return Inbound{}, err
			}
			return Inbound{Status: status}, nil
		},
		Poll: func(uint32) ([]byte, error) {
			return codec.EncodeGate(codec.GateStatus), nil
		},
		Plan: func(cmd Command, _ uint32, resetDelay time.Duration) ([]Step, error) {
			switch cmd.Action {
			case ActionOpen:
				return []Step{{Frame: codec.EncodeGate(codec.GateUpLock)}}, nil
			case ActionStatus:
				return []Step{{Frame: codec.EncodeGate(codec.GateStatus)}}, nil
			case ActionClose:
				down := Step{Frame: codec.EncodeGate(codec.GateDown)}
				switch variant {
				case device.VariantGateLegacyReset:
					return []Step{{Frame: codec.EncodeGate(codec.SystemReset), Delay: resetDelay}, down}, nil
				case device.VariantGateLegacyUnlock:
					return []Step{{Frame: codec.EncodeGate(codec.GateUnlock), Delay: resetDelay}, down}, nil
				default:
					return []Step{down}, nil
				}
			}
			return nil, fmt.Errorf("%w: %q for gate", ErrUnknownCommand, cmd.Action)
		},
	}
}

func expectSeq(seq uint32) func(Inbound) bool {
	return func(in Inbound) bool { return in.Seq == seq }
}

func decodeEnvelopeInbound(frame []byte) (Inbound, error) {
	env, err := codec.DecodeEnvelope(frame)
	if err != nil {
		return Inbound{}, err
	}
	in := Inbound{Seq: env.Seq}
	if env.Kind == codec.KindGateRx {
		status, err := codec.DecodeGateRx(env)
		if err != nil && !errors.Is(err, codec.ErrUnknownStatus) {
			return Inbound{}, err
		}
		in.Status = status
	}
	return in, nil
}

func gateGatewayProfile() Profile {
	return Profile{
		Class:       device.ClassGate,
		Variant:     device.VariantGateGateway,
		DefaultPort: portGatewayJSON,
		Split:       codec.SplitEnvelopes,
		Decode:      decodeEnvelopeInbound,
		Poll: func(seq uint32) ([]byte, error) {
			return codec.EncodeEnvelope(codec.KindGateTx, seq, codec.GateTx{Command: codec.GatewayStatus})
		},
		Plan: func(cmd Command, seq uint32, _ time.Duration) ([]Step, error) {
			var word string
			switch cmd.Action {
			case ActionOpen:
				word = codec.GatewayOpen
			case ActionClose:
				word = codec.GatewayClose
			case ActionStatus:
				word = codec.GatewayStatus
			default:
				return nil, fmt.Errorf("%w: %q for gate", ErrUnknownCommand, cmd.Action)
			}
			frame, err := codec.EncodeEnvelope(codec.KindGateTx, seq, codec.GateTx{Command: word})
			if err != nil {
				return nil, err
			}
			return []Step{{Frame: frame, Expect: expectSeq(seq)}}, nil
		},
	}
}

func boardText(cmd Command) codec.BoardText {
	colors := make([]codec.Color, 0, len(cmd.Colors))
	for _, name := range cmd.Colors {
		colors = append(colors, codec.ParseColor(name))
	}
	return codec.BoardText{Text: cmd.Text, Colors: colors}
}

func expectCommand(b byte) func(Inbound) bool {
	return func(in Inbound) bool { return in.Command == b }
}

func boardHexProfile() Profile {
	return Profile{
		Class:       device.ClassBoard,
		Variant:     device.VariantBoardHex,
		DefaultPort: portBoardHex,
		Split:       codec.SplitBoard,
		Decode: func(frame []byte) (Inbound, error) {
			p, err := codec.DecodeBoard(frame)
			if err != nil {
				return Inbound{}, err
			}
			return Inbound{Command: p.Command}, nil
		},
		Poll: func(uint32) ([]byte, error) {
			return codec.EncodeBoardStatus(boardID), nil
		},
		Plan: func(cmd Command, _ uint32, _ time.Duration) ([]Step, error) {
			switch cmd.Action {
			case ActionDisplay:
				frame, err := codec.EncodeBoardDisplay(boardID, boardText(cmd))
				if err != nil {
					return nil, err
				}
				return []Step{{Frame: frame, Expect: expectCommand(codec.BoardCmdDisplay)}}, nil
			case ActionClear:
				return []Step{{Frame: codec.EncodeBoardClear(boardID), Expect: expectCommand(codec.BoardCmdClear)}}, nil
			case ActionStatus:
				return []Step{{Frame: codec.EncodeBoardStatus(boardID), Expect: expectCommand(codec.BoardCmdStatus)}}, nil
			}
			return nil, fmt.Errorf("%w: %q for board", ErrUnknownCommand, cmd.Action)
		},
	}
}

func boardGatewayProfile() Profile {
	return Profile{
		Class:       device.ClassBoard,
		Variant:     device.VariantBoardGateway,
		DefaultPort: portGatewayJSON,
		Split:       codec.SplitEnvelopes,
		Decode:      decodeEnvelopeInbound,
		Poll: func(seq uint32) ([]byte, error) {
			return codec.EncodeEnvelope(codec.KindKeepAlive, seq, nil)
		},
		Plan: func(cmd Command, seq uint32, _ time.Duration) ([]Step, error) {
			var (
				frame []byte
				err   error
			)
			switch cmd.Action {
			case ActionDisplay:
				content := codec.BoardContent{}
				if cmd.Content != nil {
					content = *cmd.Content
				} else {
					content.Texts[0] = cmd.Text
				}
				frame, err = codec.EncodeEnvelope(codec.KindControl, seq, content)
			case ActionClear:
				frame, err = codec.EncodeEnvelope(codec.KindControl, seq, codec.BoardContent{})
			case ActionStatus:
				frame, err = codec.EncodeEnvelope(codec.KindKeepAlive, seq, nil)
			default:
				return nil, fmt.Errorf("%w: %q for board", ErrUnknownCommand, cmd.Action)
			}
			if err != nil {
				return nil, err
			}
			return []Step{{Frame: frame, Expect: expectSeq(seq)}}, nil
		},
	}
}
