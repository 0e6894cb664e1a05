// Package codec converts frames to and from their on-wire representation and
// computes the CAN CRC-15 and the LIN checksums.
package codec

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/vbus-simulator/model"
)

var (
	// ErrMalformedFrame reports a wire image or frame that violates the
	// protocol form: DLC beyond the payload, identifier too wide, bad sync,
	// PID parity or delimiter bits, truncated stream.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrChecksumMismatch reports a CAN CRC or LIN checksum failure.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// LIN diagnostic frames always use the classic checksum.
const (
	LINMasterRequestID = 0x3C
	LINSlaveResponseID = 0x3D
)

// Codec is a pure frame transformer. The zero value uses classic LIN
// checksums for every identifier.
type Codec struct {
	enhanced map[uint32]bool
}

// Option customizes a Codec.
type Option func(*Codec)

// WithEnhancedChecksum selects the enhanced LIN checksum for the given frame
// identifiers. Diagnostic identifiers are ignored.
func WithEnhancedChecksum(ids ...uint32) Option {
	return func(c *Codec) {
		for _, id := range ids {
			c.enhanced[id] = true
		}
	}
}

// New builds a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{enhanced: make(map[uint32]bool)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enhanced reports whether LIN frame id uses the enhanced checksum.
func (c *Codec) Enhanced(id uint32) bool {
	if c == nil || id == LINMasterRequestID || id == LINSlaveResponseID {
		return false
	}
	return c.enhanced[id]
}

// Encode produces the wire image of f. Timestamp and Sender are not encoded.
func (c *Codec) Encode(f model.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	switch f.Bus {
	case model.BusCAN:
		return encodeCAN(f), nil
	case model.BusLIN:
		return encodeLIN(f, c.Enhanced(f.ID)), nil
	default:
		return nil, fmt.Errorf("%w: unknown bus %s", ErrMalformedFrame, f.Bus)
	}
}

// Decode parses a wire image. When only the checksum fails, the parsed
// frame is returned together with an ErrChecksumMismatch error so the
// caller can still annotate it.
func (c *Codec) Decode(bus model.BusType, wire []byte) (model.Frame, error) {
	switch bus {
	case model.BusCAN:
		return decodeCAN(wire)
	case model.BusLIN:
		return decodeLIN(wire, c.Enhanced)
	default:
		return model.Frame{}, fmt.Errorf("%w: unknown bus %s", ErrMalformedFrame, bus)
	}
}

// FlipDataBit returns a copy of wire with data bit p inverted. Bit p is bit
// p%8 (LSB0) of data byte p/8, matching signal bit numbering. No checksum is
// recomputed, so the receiver sees a checksum failure.
func FlipDataBit(bus model.BusType, wire []byte, p int) ([]byte, error) {
	off, err := DataBitOffset(bus, wire, p)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), wire...)
	out[off/8] ^= 0x80 >> uint(off%8)
	return out, nil
}

// DataBitOffset returns the position of data bit p in the wire image,
// counted MSB-first from the first wire bit.
func DataBitOffset(bus model.BusType, wire []byte, p int) (int, error) {
	switch bus {
	case model.BusCAN:
		start, dlc, err := canDataLayout(wire)
		if err != nil {
			return 0, err
		}
		if p < 0 || p >= dlc*8 {
			return 0, fmt.Errorf("%w: bit %d outside %d data bytes", ErrMalformedFrame, p, dlc)
		}
		return start + (p/8)*8 + (7 - p%8), nil
	case model.BusLIN:
		n := len(wire) - linOverhead
		if n < 0 {
			return 0, fmt.Errorf("%w: lin frame truncated", ErrMalformedFrame)
		}
		if p < 0 || p >= n*8 {
			return 0, fmt.Errorf("%w: bit %d outside %d data bytes", ErrMalformedFrame, p, n)
		}
		return (2+p/8)*8 + (7 - p%8), nil
	default:
		return 0, fmt.Errorf("%w: unknown bus %s", ErrMalformedFrame, bus)
	}
}

// BitLength returns the number of bit times the frame occupies on the bus,
// including stuff bits for CAN and the break/sync header for LIN. The CAN
// interframe space is not included.
func BitLength(f model.Frame) int {
	if f.Bus == model.BusLIN {
		return linBitLength(f.DLC)
	}
	return StuffedBitLength(f)
}
