package model

import (
	"fmt"
	"strings"
)

// ByteOrder selects how a signal's bits are laid out in the payload.
type ByteOrder int

const (
	// LittleEndian is Intel order: bit n is bit n%8 (LSB0) of byte n/8 and the
	// signal's least significant bit sits at StartBit.
	LittleEndian ByteOrder = iota
	// BigEndian is Motorola order with DBC sawtooth numbering: StartBit is the
	// most significant bit and the walk continues at bit 7 of the next byte.
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big_endian"
	}
	return "little_endian"
}

// ParseByteOrder accepts intel/motorola, little/big endian spellings and the
// DBC markers "1" (Intel) and "0" (Motorola). The empty string is Intel.
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "1", "intel", "little", "little_endian", "littleendian", "le":
		return LittleEndian, nil
	case "0", "motorola", "big", "big_endian", "bigendian", "be":
		return BigEndian, nil
	default:
		return 0, fmt.Errorf("%w: unknown byte order %q", ErrConfig, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o ByteOrder) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *ByteOrder) UnmarshalText(text []byte) error {
	v, err := ParseByteOrder(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// SignalDefinition maps a bit field of a message payload to a physical value.
// Bus defaults to CAN; a LIN message needs Bus set to tell it apart from the
// CAN message with the same identifier.
type SignalDefinition struct {
	Name      string
	Bus       BusType
	MessageID uint32
	StartBit  int
	BitLength int
	Factor    float64
	Offset    float64
	Unit      string
	ByteOrder ByteOrder
	Signed    bool
}

// SignalValue is one decoded signal. Raw holds the unsigned field bits; for
// signed signals RawSigned carries the sign-extended value.
type SignalValue struct {
	Raw       uint64
	RawSigned int64
	Value     float64
	Unit      string
}
