package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Board packet markers.
var (
	BoardSTX = [2]byte{0x10, 0x02}
	BoardETX = [2]byte{0x10, 0x03}
)

// Board command bytes.
const (
	BoardCmdDisplay byte = 0x94
	BoardCmdClear   byte = 0x95
	BoardCmdStatus  byte = 0x99
)

// boardHeaderLen covers STX, id and the two length bytes.
const boardHeaderLen = 5

// BoardPacket is one decoded board frame. Data excludes the command byte.
type BoardPacket struct {
	ID      byte
	Command byte
	Data    []byte
}

// Color selects the LED colour of one character.
type Color byte

const (
	ColorRed    Color = 0x31
	ColorGreen  Color = 0x32
	ColorYellow Color = 0x33
	ColorBlue   Color = 0x34
	ColorPurple Color = 0x35
	ColorCyan   Color = 0x36
	ColorWhite  Color = 0x37
)

var colorNames = map[string]Color{
	"red": ColorRed, "green": ColorGreen, "yellow": ColorYellow, "blue": ColorBlue,
	"purple": ColorPurple, "cyan": ColorCyan, "white": ColorWhite,
}

// ParseColor maps a colour name to its code; unknown names give green.
func ParseColor(name string) Color {
	if c, ok := colorNames[name]; ok {
		return c
	}
	return ColorGreen
}

// Attributes is the fixed display template sent ahead of the text.
type Attributes struct {
	EffectIn  byte
	EffectOut byte
	Speed     byte
	HoldSecs  byte
	Font      byte
	Align     byte
	Line      byte
	Reserved  byte
}

// DefaultAttributes is the template used for every display command:
// instant in, instant out, mid speed, 3s hold, centred on line one.
var DefaultAttributes = Attributes{
	EffectIn:  0x01,
	EffectOut: 0x01,
	Speed:     0x05,
	HoldSecs:  0x03,
	Font:      0x00,
	Align:     0x01,
	Line:      0x01,
}

const attributesLen = 8

func (a Attributes) bytes() []byte {
	return []byte{a.EffectIn, a.EffectOut, a.Speed, a.HoldSecs, a.Font, a.Align, a.Line, a.Reserved}
}

// BoardText is a message with a colour per character. Characters beyond
// len(Colors) reuse the last colour; an empty Colors means green.
type BoardText struct {
	Text   string
	Colors []Color
}

func (t BoardText) colorAt(i int) Color {
	switch {
	case len(t.Colors) == 0:
		return ColorGreen
	case i < len(t.Colors):
		return t.Colors[i]
	default:
		return t.Colors[len(t.Colors)-1]
	}
}

// encode writes each rune as its colour byte followed by its UTF-8 bytes.
func (t BoardText) encode() []byte {
	out := make([]byte, 0, len(t.Text)*2)
	i := 0
	for _, r := range t.Text {
		out = append(out, byte(t.colorAt(i)))
		out = utf8.AppendRune(out, r)
		i++
	}
	return out
}

// EncodeBoard frames a packet.
func EncodeBoard(p BoardPacket) ([]byte, error) {
	bodyLen := 1 + len(p.Data)
	if bodyLen > 0xFFFF || boardHeaderLen+bodyLen+2 > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTextTooLong, bodyLen)
	}

	out := make([]byte, 0, boardHeaderLen+bodyLen+2)
	out = append(out, BoardSTX[:]...)
	out = append(out, p.ID)
	out = binary.BigEndian.AppendUint16(out, uint16(bodyLen)) // #nosec G115 -- bounded above
	out = append(out, p.Command)
	out = append(out, p.Data...)
	return append(out, BoardETX[:]...), nil
}

// EncodeBoardDisplay builds a display command from the default template.
func EncodeBoardDisplay(id byte, text BoardText) ([]byte, error) {
	data := append(DefaultAttributes.bytes(), text.encode()...)
	return EncodeBoard(BoardPacket{ID: id, Command: BoardCmdDisplay, Data: data})
}

// EncodeBoardStatus builds a status request.
func EncodeBoardStatus(id byte) []byte {
	out, _ := EncodeBoard(BoardPacket{ID: id, Command: BoardCmdStatus}) //nolint:errcheck // Empty body always fits
	return out
}

// EncodeBoardClear builds a clear-screen command.
func EncodeBoardClear(id byte) []byte {
	out, _ := EncodeBoard(BoardPacket{ID: id, Command: BoardCmdClear}) //nolint:errcheck // Empty body always fits
	return out
}

// SplitBoard extracts length-delimited board frames.
func SplitBoard(buf []byte) (frames [][]byte, rest []byte) {
	for {
		start := bytes.Index(buf, BoardSTX[:])
		if start < 0 {
			if len(buf) > 0 && buf[len(buf)-1] == BoardSTX[0] {
				return frames, buf[len(buf)-1:]
			}
			return frames, nil
		}
		buf = buf[start:]

		if len(buf) < boardHeaderLen {
			return frames, buf
		}
		total := boardHeaderLen + int(binary.BigEndian.Uint16(buf[3:5])) + 2
		if total > MaxFrameSize {
			// Impossible length: skip this STX and resynchronise.
			buf = buf[2:]
			continue
		}
		if len(buf) < total {
			return frames, buf
		}

		frame := make([]byte, total)
		copy(frame, buf[:total])
		frames = append(frames, frame)
		buf = buf[total:]
	}
}

// DecodeBoard validates markers and length and returns the packet.
func DecodeBoard(frame []byte) (BoardPacket, error) {
	if len(frame) < boardHeaderLen+3 {
		return BoardPacket{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}
	if !bytes.HasPrefix(frame, BoardSTX[:]) || !bytes.HasSuffix(frame, BoardETX[:]) {
		return BoardPacket{}, fmt.Errorf("%w: bad markers", ErrMalformedFrame)
	}
	bodyLen := int(binary.BigEndian.Uint16(frame[3:5]))
	if boardHeaderLen+bodyLen+2 != len(frame) || bodyLen < 1 {
		return BoardPacket{}, fmt.Errorf("%w: length %d for %d byte frame", ErrMalformedFrame, bodyLen, len(frame))
	}

	body := frame[boardHeaderLen : boardHeaderLen+bodyLen]
	return BoardPacket{
		ID:      frame[2],
		Command: body[0],
		Data:    append([]byte(nil), body[1:]...),
	}, nil
}

// DecodeBoardDisplay reverses EncodeBoardDisplay's data section.
func DecodeBoardDisplay(p BoardPacket) (Attributes, BoardText, error) {
	if p.Command != BoardCmdDisplay || len(p.Data) < attributesLen {
		return Attributes{}, BoardText{}, fmt.Errorf("%w: not a display packet", ErrMalformedFrame)
	}
	d := p.Data
	attrs := Attributes{d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7]}

	var text []rune
	var colors []Color
	rest := d[attributesLen:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return Attributes{}, BoardText{}, fmt.Errorf("%w: dangling colour byte", ErrMalformedFrame)
		}
		r, size := utf8.DecodeRune(rest[1:])
		if r == utf8.RuneError && size <= 1 {
			return Attributes{}, BoardText{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformedFrame)
		}
		colors = append(colors, Color(rest[0]))
		text = append(text, r)
		rest = rest[1+size:]
	}
	return attrs, BoardText{Text: string(text), Colors: colors}, nil
}
