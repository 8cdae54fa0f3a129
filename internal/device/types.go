package device

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class groups devices that share a protocol family.
type Class string

const (
	ClassGate    Class = "gate"
	ClassBoard   Class = "board"
	ClassSensor  Class = "sensor"
	ClassSpeaker Class = "speaker"
	ClassCamera  Class = "camera"
)

// AllClasses lists every class in a stable order.
var AllClasses = []Class{ClassGate, ClassBoard, ClassSensor, ClassSpeaker, ClassCamera}

// ParseClass validates s as a class name.
func ParseClass(s string) (Class, error) {
	c := Class(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
	return c, nil
}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassGate, ClassBoard, ClassSensor, ClassSpeaker, ClassCamera:
		return true
	}
	return false
}

// HasSession reports whether devices of this class keep a persistent TCP
// session to their controller.
func (c Class) HasSession() bool {
	return c == ClassGate || c == ClassBoard
}

// Link is the tri-state reachability of a device. The zero value is
// LinkUnknown: nothing has been observed yet.
type Link int8

const (
	LinkUnknown Link = iota
	LinkUp
	LinkDown
)

// LinkOf converts an observed boolean into a Link.
func LinkOf(up bool) Link {
	if up {
		return LinkUp
	}
	return LinkDown
}

func (l Link) String() string {
	switch l {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	default:
		return "unknown"
	}
}

// Known reports whether the link has been observed.
func (l Link) Known() bool {
	return l == LinkUp || l == LinkDown
}

// MarshalJSON encodes unknown as null and the others as booleans, matching
// the nullable linked_status column.
func (l Link) MarshalJSON() ([]byte, error) {
	switch l {
	case LinkUp:
		return []byte("true"), nil
	case LinkDown:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (l *Link) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decoding link: %w", err)
	}
	if b == nil {
		*l = LinkUnknown
	} else {
		*l = LinkOf(*b)
	}
	return nil
}

// Gate statuses parsed from controller replies.
const (
	StatusOpen         = "open"
	StatusClosed       = "closed"
	StatusDisconnected = "disconnected"
)

// PersistedState is the pair of values the store holds for a session
// device. Status is empty when the protocol reports none.
type PersistedState struct {
	Status string `json:"status,omitempty"`
	Link   Link   `json:"linked_status"`
}

// Device is a row of field_devices as seen by the core.
type Device struct {
	ID        int64     `json:"id"`
	Class     Class     `json:"class"`
	IP        string    `json:"ip"`
	Name      string    `json:"name"`
	Model     Variant   `json:"controller_model,omitempty"`
	Link      Link      `json:"linked_status"`
	Status    string    `json:"status,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName is the operator-facing label, falling back to the address.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.IP
}

// State returns the persisted pair held by the row.
func (d Device) State() PersistedState {
	return PersistedState{Status: d.Status, Link: d.Link}
}
