package model

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BusType identifies the physical protocol a frame travels on.
type BusType int

const (
	BusCAN BusType = iota
	BusLIN
)

// Identifier and payload limits.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxLINID      = 0x3F
	MaxDataLen    = 8
)

var (
	// ErrInvalidFrame indicates a frame violates the DLC or identifier invariants.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrConfig indicates invalid definitions, schedules or fault specs
	// rejected before they reach the simulation.
	ErrConfig = errors.New("configuration error")
)

func (b BusType) String() string {
	switch b {
	case BusCAN:
		return "CAN"
	case BusLIN:
		return "LIN"
	default:
		return fmt.Sprintf("BusType(%d)", int(b))
	}
}

// ParseBusType accepts "CAN" or "LIN" in any case.
func ParseBusType(s string) (BusType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CAN":
		return BusCAN, nil
	case "LIN":
		return BusLIN, nil
	default:
		return 0, fmt.Errorf("%w: unknown bus type %q", ErrConfig, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b BusType) MarshalText() ([]byte, error) {
	switch b {
	case BusCAN, BusLIN:
		return []byte(b.String()), nil
	default:
		return nil, fmt.Errorf("unknown bus type %d", int(b))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BusType) UnmarshalText(text []byte) error {
	v, err := ParseBusType(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MaxID returns the largest identifier the bus can carry.
func (b BusType) MaxID(extended bool) uint32 {
	if b == BusLIN {
		return MaxLINID
	}
	if extended {
		return MaxExtendedID
	}
	return MaxStandardID
}

// Frame is a single CAN or LIN frame as seen on the simulated bus.
//
// Timestamp is a monotonic nanosecond counter measured from simulation start.
// Timestamp and Sender are bus metadata; they are not part of the encoded bits.
type Frame struct {
	Bus       BusType
	ID        uint32
	Extended  bool
	DLC       int
	Data      []byte
	Timestamp time.Duration
	Sender    string
}

// NewFrame builds a frame with DLC derived from data.
func NewFrame(bus BusType, id uint32, data []byte) Frame {
	d := append([]byte(nil), data...)
	return Frame{
		Bus:      bus,
		ID:       id,
		Extended: bus == BusCAN && id > MaxStandardID,
		DLC:      len(d),
		Data:     d,
	}
}

// Validate enforces dlc == len(data) and the bus identifier width.
func (f Frame) Validate() error {
	if f.DLC < 0 || f.DLC > MaxDataLen {
		return fmt.Errorf("%w: dlc %d out of range 0..%d", ErrInvalidFrame, f.DLC, MaxDataLen)
	}
	if f.DLC != len(f.Data) {
		return fmt.Errorf("%w: dlc %d does not match %d data bytes", ErrInvalidFrame, f.DLC, len(f.Data))
	}
	if f.Bus == BusLIN && f.Extended {
		return fmt.Errorf("%w: LIN frames have no extended identifiers", ErrInvalidFrame)
	}
	if max := f.Bus.MaxID(f.Extended); f.ID > max {
		return fmt.Errorf("%w: identifier 0x%X exceeds %s limit 0x%X", ErrInvalidFrame, f.ID, f.Bus, max)
	}
	return nil
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	cp := f
	if f.Data != nil {
		cp.Data = append([]byte(nil), f.Data...)
	}
	return cp
}

// Equal compares every field including metadata.
func (f Frame) Equal(o Frame) bool {
	return f.Bus == o.Bus &&
		f.ID == o.ID &&
		f.Extended == o.Extended &&
		f.DLC == o.DLC &&
		bytes.Equal(f.Data, o.Data) &&
		f.Timestamp == o.Timestamp &&
		f.Sender == o.Sender
}

// IDString formats the identifier the way bus monitors print it: three hex
// digits for standard CAN, eight for extended CAN, two for LIN.
func (f Frame) IDString() string {
	return FormatID(f.Bus, f.ID, f.Extended)
}

// FormatID is the free-function form of Frame.IDString.
func FormatID(bus BusType, id uint32, extended bool) string {
	switch {
	case bus == BusLIN:
		return fmt.Sprintf("0x%02X", id)
	case extended:
		return fmt.Sprintf("0x%08X", id)
	default:
		return fmt.Sprintf("0x%03X", id)
	}
}

// DataHex renders the payload as space-joined upper-case hex bytes.
func (f Frame) DataHex() string {
	parts := make([]string, len(f.Data))
	for i, b := range f.Data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %s [%d] %s @%s from %s", f.Bus, f.IDString(), f.DLC, f.DataHex(), f.Timestamp, f.Sender)
}
