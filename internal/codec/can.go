package codec

import (
	"fmt"

	"github.com/signalsfoundry/vbus-simulator/model"
)

const (
	crc15Poly = 0x4599
	// CRC delimiter, ACK slot, ACK delimiter and seven EOF bits.
	canTrailerBits = 10
	// InterframeSpace is the intermission between consecutive CAN frames.
	InterframeSpace = 3
)

// CRC15 computes the CAN CRC over a sequence of bits (0 or 1).
func CRC15(bits []uint8) uint16 {
	var crc uint16
	for _, b := range bits {
		next := (b & 1) ^ uint8(crc>>14&1)
		crc = (crc << 1) & 0x7FFF
		if next == 1 {
			crc ^= crc15Poly
		}
	}
	return crc
}

type bitWriter struct {
	bits []uint8
}

func (w *bitWriter) put(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bits = append(w.bits, uint8(v>>uint(i)&1))
	}
}

// ArbitrationBits returns the bits a CAN frame presents during arbitration:
// base identifier, RTR/SRR, IDE and for extended frames the identifier
// extension and RTR.
func ArbitrationBits(f model.Frame) []uint8 {
	var w bitWriter
	if f.Extended {
		w.put(f.ID>>18, 11)
		w.put(1, 1) // SRR
		w.put(1, 1) // IDE
		w.put(f.ID&0x3FFFF, 18)
		w.put(0, 1) // RTR
	} else {
		w.put(f.ID, 11)
		w.put(0, 1) // RTR
		w.put(0, 1) // IDE
	}
	return w.bits
}

// CompareArbitration performs the wired-AND comparison of two arbitration
// bit sequences. It returns -1 when a wins, 1 when b wins and 0 when they
// are identical. The first differing bit decides; dominant (0) wins.
func CompareArbitration(a, b []uint8) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			continue
		}
		if a[i] == 0 {
			return -1
		}
		return 1
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// canBits returns SOF through the data field.
func canBits(f model.Frame) []uint8 {
	w := bitWriter{bits: make([]uint8, 0, 128)}
	w.put(0, 1) // SOF
	arb := ArbitrationBits(f)
	w.bits = append(w.bits, arb...)
	if f.Extended {
		w.put(0, 2) // r1, r0
	} else {
		w.put(0, 1) // r0
	}
	w.put(uint32(f.DLC), 4)
	for _, b := range f.Data {
		w.put(uint32(b), 8)
	}
	return w.bits
}

func encodeCAN(f model.Frame) []byte {
	bits := canBits(f)
	crc := CRC15(bits)
	w := bitWriter{bits: bits}
	w.put(uint32(crc), 15)
	w.put(1, 1)    // CRC delimiter
	w.put(0, 1)    // ACK slot, driven dominant by receivers
	w.put(1, 1)    // ACK delimiter
	w.put(0x7F, 7) // EOF
	return packBits(w.bits)
}

// StuffedBitLength returns the number of bit times a CAN frame occupies,
// including the stuff bits inserted after every run of five identical bits
// between SOF and the end of the CRC.
func StuffedBitLength(f model.Frame) int {
	bits := canBits(f)
	w := bitWriter{bits: bits}
	w.put(uint32(CRC15(bits)), 15)
	return len(w.bits) + stuffCount(w.bits) + canTrailerBits
}

func stuffCount(bits []uint8) int {
	if len(bits) == 0 {
		return 0
	}
	stuffed := 0
	prev, run := bits[0], 1
	for _, b := range bits[1:] {
		if b == prev {
			run++
		} else {
			prev, run = b, 1
		}
		if run == 5 {
			stuffed++
			prev, run = 1-prev, 1
		}
	}
	return stuffed
}

func packBits(bits []uint8) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i := range out {
		out[i] = 0xFF
	}
	for i, b := range bits {
		if b == 0 {
			out[i/8] &^= 0x80 >> uint(i%8)
		}
	}
	return out
}

func unpackBits(wire []byte) []uint8 {
	bits := make([]uint8, len(wire)*8)
	for i := range bits {
		bits[i] = wire[i/8] >> uint(7-i%8) & 1
	}
	return bits
}

type bitReader struct {
	bits []uint8
	pos  int
}

func (r *bitReader) get(n int) (uint32, error) {
	if r.pos+n > len(r.bits) {
		return 0, fmt.Errorf("%w: stream truncated at bit %d", ErrMalformedFrame, r.pos)
	}
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | uint32(r.bits[r.pos+i])
	}
	r.pos += n
	return v, nil
}

func (r *bitReader) expect(n int, want uint32, field string) error {
	v, err := r.get(n)
	if err != nil {
		return err
	}
	if v != want {
		return fmt.Errorf("%w: %s is %b, want %b", ErrMalformedFrame, field, v, want)
	}
	return nil
}

type canHeader struct {
	id        uint32
	extended  bool
	dlc       int
	dataStart int
}

func readCANHeader(r *bitReader) (canHeader, error) {
	var h canHeader
	if err := r.expect(1, 0, "SOF"); err != nil {
		return h, err
	}
	base, err := r.get(11)
	if err != nil {
		return h, err
	}
	rtrOrSRR, err := r.get(1)
	if err != nil {
		return h, err
	}
	ide, err := r.get(1)
	if err != nil {
		return h, err
	}
	if ide == 0 {
		if rtrOrSRR != 0 {
			return h, fmt.Errorf("%w: remote frames are not supported", ErrMalformedFrame)
		}
		if err := r.expect(1, 0, "r0"); err != nil {
			return h, err
		}
		h.id = base
	} else {
		if rtrOrSRR != 1 {
			return h, fmt.Errorf("%w: SRR must be recessive", ErrMalformedFrame)
		}
		ext, err := r.get(18)
		if err != nil {
			return h, err
		}
		if err := r.expect(1, 0, "RTR"); err != nil {
			return h, err
		}
		if err := r.expect(2, 0, "r1/r0"); err != nil {
			return h, err
		}
		h.id = base<<18 | ext
		h.extended = true
	}
	dlc, err := r.get(4)
	if err != nil {
		return h, err
	}
	if dlc > model.MaxDataLen {
		return h, fmt.Errorf("%w: dlc %d exceeds %d", ErrMalformedFrame, dlc, model.MaxDataLen)
	}
	h.dlc = int(dlc)
	h.dataStart = r.pos
	return h, nil
}

func canDataLayout(wire []byte) (start, dlc int, err error) {
	r := &bitReader{bits: unpackBits(wire)}
	h, err := readCANHeader(r)
	if err != nil {
		return 0, 0, err
	}
	if h.dataStart+h.dlc*8 > len(r.bits) {
		return 0, 0, fmt.Errorf("%w: dlc %d exceeds payload", ErrMalformedFrame, h.dlc)
	}
	return h.dataStart, h.dlc, nil
}

func decodeCAN(wire []byte) (model.Frame, error) {
	r := &bitReader{bits: unpackBits(wire)}
	h, err := readCANHeader(r)
	if err != nil {
		return model.Frame{}, err
	}
	data := make([]byte, h.dlc)
	for i := range data {
		v, err := r.get(8)
		if err != nil {
			return model.Frame{}, fmt.Errorf("%w: dlc %d exceeds payload", ErrMalformedFrame, h.dlc)
		}
		data[i] = byte(v)
	}
	computed := CRC15(r.bits[:r.pos])
	crc, err := r.get(15)
	if err != nil {
		return model.Frame{}, err
	}
	if err := r.expect(1, 1, "CRC delimiter"); err != nil {
		return model.Frame{}, err
	}
	if err := r.expect(1, 0, "ACK slot"); err != nil {
		return model.Frame{}, err
	}
	if err := r.expect(1, 1, "ACK delimiter"); err != nil {
		return model.Frame{}, err
	}
	if err := r.expect(7, 0x7F, "EOF"); err != nil {
		return model.Frame{}, err
	}
	if want := (r.pos + 7) / 8; len(wire) != want {
		return model.Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(wire)-want)
	}
	for _, b := range r.bits[r.pos:] {
		if b != 1 {
			return model.Frame{}, fmt.Errorf("%w: padding must be recessive", ErrMalformedFrame)
		}
	}

	f := model.Frame{
		Bus:      model.BusCAN,
		ID:       h.id,
		Extended: h.extended,
		DLC:      h.dlc,
		Data:     data,
	}
	if uint16(crc) != computed {
		return f, fmt.Errorf("%w: crc 0x%04X, computed 0x%04X", ErrChecksumMismatch, crc, computed)
	}
	return f, nil
}
