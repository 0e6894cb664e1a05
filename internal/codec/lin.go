package codec

import (
	"fmt"

	"github.com/signalsfoundry/vbus-simulator/model"
)

const (
	// LINSync is the sync byte that follows the break field.
	LINSync = 0x55
	// sync, PID and checksum bytes.
	linOverhead = 3
	// break (13) + break delimiter (1) + sync (10) + PID (10).
	linHeaderBits = 34
)

// PID returns the protected identifier for a 6-bit LIN frame id.
func PID(id uint32) byte {
	id &= model.MaxLINID
	bit := func(n uint) uint32 { return id >> n & 1 }
	p0 := bit(0) ^ bit(1) ^ bit(2) ^ bit(4)
	p1 := ^(bit(1) ^ bit(3) ^ bit(4) ^ bit(5)) & 1
	return byte(id | p0<<6 | p1<<7)
}

// LINChecksum computes the inverted carry-folded byte sum. The enhanced
// variant includes the PID in the sum.
func LINChecksum(pid byte, data []byte, enhanced bool) byte {
	var sum uint16
	if enhanced {
		sum = uint16(pid)
	}
	for _, b := range data {
		sum += uint16(b)
		if sum > 0xFF {
			sum -= 0xFF
		}
	}
	return ^byte(sum)
}

func encodeLIN(f model.Frame, enhanced bool) []byte {
	pid := PID(f.ID)
	out := make([]byte, 0, len(f.Data)+linOverhead)
	out = append(out, LINSync, pid)
	out = append(out, f.Data...)
	return append(out, LINChecksum(pid, f.Data, enhanced))
}

func decodeLIN(wire []byte, enhanced func(uint32) bool) (model.Frame, error) {
	if len(wire) < linOverhead {
		return model.Frame{}, fmt.Errorf("%w: lin frame truncated to %d bytes", ErrMalformedFrame, len(wire))
	}
	if wire[0] != LINSync {
		return model.Frame{}, fmt.Errorf("%w: sync byte 0x%02X", ErrMalformedFrame, wire[0])
	}
	pid := wire[1]
	id := uint32(pid & model.MaxLINID)
	if PID(id) != pid {
		return model.Frame{}, fmt.Errorf("%w: PID 0x%02X parity", ErrMalformedFrame, pid)
	}
	data := append([]byte(nil), wire[2:len(wire)-1]...)
	if len(data) > model.MaxDataLen {
		return model.Frame{}, fmt.Errorf("%w: %d data bytes exceeds %d", ErrMalformedFrame, len(data), model.MaxDataLen)
	}
	f := model.Frame{
		Bus:  model.BusLIN,
		ID:   id,
		DLC:  len(data),
		Data: data,
	}
	got := wire[len(wire)-1]
	if want := LINChecksum(pid, data, enhanced(id)); got != want {
		return f, fmt.Errorf("%w: lin checksum 0x%02X, computed 0x%02X", ErrChecksumMismatch, got, want)
	}
	return f, nil
}

func linBitLength(dlc int) int {
	return linHeaderBits + 10*(dlc+1)
}
