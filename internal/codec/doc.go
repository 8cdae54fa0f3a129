// Package codec frames and parses the wire protocols spoken by field
// controllers. Every function is pure: no I/O, no state, safe to call from
// any goroutine.
//
// # Protocols
//
//   - Gate ASCII: commands wrapped in STX (0x02) / ETX (0x03); status replies
//     are matched on GATE=UP / GATE=DOWN inside the frame.
//   - Envelope: JSON wrapped in ##### ... $$$$$, used by gateways in front of
//     both gates and boards.
//   - Board packet: binary display protocol
//     10 02 | id | len(2) | cmd | data | 10 03
//
// # Stream Framing
//
// Each protocol has a SplitFunc that pulls complete frames off the front of
// a read buffer and returns the unconsumed tail. Bytes before a start marker
// are discarded. A tail longer than MaxFrameSize is dropped so a peer that
// never sends a terminator cannot grow the buffer without bound.
package codec

// MaxFrameSize bounds a single frame on any protocol.
const MaxFrameSize = 16 << 10

// SplitFunc extracts complete frames from buf and returns the remainder to
// keep for the next read.
type SplitFunc func(buf []byte) (frames [][]byte, rest []byte)

// capRest drops a remainder that can no longer become a valid frame.
func capRest(rest []byte) []byte {
	if len(rest) > MaxFrameSize {
		return nil
	}
	return rest
}
