// Package dbc maps frame payload bits to physical signal values.
//
// Bit numbering: for little-endian (Intel) signals, payload bit n is bit n%8
// (LSB0) of data byte n/8 and the signal's least significant bit sits at
// StartBit. Big-endian (Motorola) signals follow DBC sawtooth numbering:
// StartBit names the most significant bit and the walk moves toward bit 0
// of the same byte before continuing at bit 7 of the next byte.
package dbc

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/signalsfoundry/vbus-simulator/model"
)

var (
	// ErrUnknownMessageID reports a frame with no registered signals.
	ErrUnknownMessageID = errors.New("unknown message id")
	// ErrSignalRange reports a signal whose bits exceed the frame payload or
	// a physical value that does not fit its raw field.
	ErrSignalRange = errors.New("signal range error")
	// ErrUnknownSignal reports an encode request naming an unregistered signal.
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrConfig is returned for definitions rejected at load time.
	ErrConfig = model.ErrConfig
)

const payloadBits = model.MaxDataLen * 8

// MessageKey identifies a message. The same identifier on CAN and LIN
// names two different messages.
type MessageKey struct {
	Bus model.BusType
	ID  uint32
}

func (k MessageKey) String() string {
	return fmt.Sprintf("%s 0x%X", k.Bus, k.ID)
}

// Database holds validated signal definitions grouped by message.
// It is immutable after construction and safe for concurrent use.
type Database struct {
	messages map[MessageKey][]signal
}

type signal struct {
	def model.SignalDefinition
	// positions lists payload bit indexes from the raw LSB to the raw MSB.
	positions []int
	maxBit    int
}

// New validates defs and builds a Database.
func New(defs []model.SignalDefinition) (*Database, error) {
	db := &Database{messages: make(map[MessageKey][]signal)}
	used := make(map[MessageKey]uint64)
	names := make(map[MessageKey]map[string]struct{})

	for i, def := range defs {
		if err := validateDefinition(def); err != nil {
			return nil, fmt.Errorf("signal[%d] %q: %w", i, def.Name, err)
		}
		pos, err := bitPositions(def)
		if err != nil {
			return nil, fmt.Errorf("signal[%d] %q: %w", i, def.Name, err)
		}

		key := MessageKey{Bus: def.Bus, ID: def.MessageID}
		if names[key] == nil {
			names[key] = make(map[string]struct{})
		}
		if _, dup := names[key][def.Name]; dup {
			return nil, fmt.Errorf("%w: signal %q defined twice for message %s", ErrConfig, def.Name, key)
		}
		names[key][def.Name] = struct{}{}

		var mask uint64
		maxBit := 0
		for _, p := range pos {
			mask |= 1 << uint(p)
			maxBit = max(maxBit, p)
		}
		if used[key]&mask != 0 {
			return nil, fmt.Errorf("%w: signal %q overlaps another signal of message %s", ErrConfig, def.Name, key)
		}
		used[key] |= mask

		db.messages[key] = append(db.messages[key], signal{def: def, positions: pos, maxBit: maxBit})
	}
	for key := range db.messages {
		sigs := db.messages[key]
		sort.SliceStable(sigs, func(a, b int) bool { return sigs[a].def.StartBit < sigs[b].def.StartBit })
	}
	return db, nil
}

func validateDefinition(def model.SignalDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: signal name is empty", ErrConfig)
	}
	switch def.Bus {
	case model.BusCAN:
		if def.MessageID > model.MaxExtendedID {
			return fmt.Errorf("%w: message id 0x%X exceeds 29 bits", ErrConfig, def.MessageID)
		}
	case model.BusLIN:
		if def.MessageID > model.MaxLINID {
			return fmt.Errorf("%w: LIN message id 0x%X exceeds 0x%X", ErrConfig, def.MessageID, model.MaxLINID)
		}
	default:
		return fmt.Errorf("%w: unknown bus %s", ErrConfig, def.Bus)
	}
	if def.StartBit < 0 || def.StartBit >= payloadBits {
		return fmt.Errorf("%w: start bit %d outside 0..%d", ErrConfig, def.StartBit, payloadBits-1)
	}
	if def.BitLength < 1 || def.BitLength > payloadBits {
		return fmt.Errorf("%w: bit length %d outside 1..%d", ErrConfig, def.BitLength, payloadBits)
	}
	if def.ByteOrder == model.LittleEndian && def.StartBit+def.BitLength > payloadBits {
		return fmt.Errorf("%w: start bit %d + length %d exceeds %d bits", ErrConfig, def.StartBit, def.BitLength, payloadBits)
	}
	if def.Factor == 0 || math.IsNaN(def.Factor) || math.IsInf(def.Factor, 0) {
		return fmt.Errorf("%w: factor %v is not usable", ErrConfig, def.Factor)
	}
	if math.IsNaN(def.Offset) || math.IsInf(def.Offset, 0) {
		return fmt.Errorf("%w: offset %v is not usable", ErrConfig, def.Offset)
	}
	return nil
}

func bitPositions(def model.SignalDefinition) ([]int, error) {
	pos := make([]int, def.BitLength)
	if def.ByteOrder == model.LittleEndian {
		for i := range pos {
			pos[i] = def.StartBit + i
		}
		return pos, nil
	}
	// Motorola: walk from the MSB and fill from the end.
	p := def.StartBit
	for i := def.BitLength - 1; i >= 0; i-- {
		if p < 0 || p >= payloadBits {
			return nil, fmt.Errorf("%w: big-endian signal runs past the payload", ErrConfig)
		}
		pos[i] = p
		if p%8 == 0 {
			p += 15
		} else {
			p--
		}
	}
	return pos, nil
}

// Len returns the number of signal definitions.
func (db *Database) Len() int {
	n := 0
	for _, sigs := range db.messages {
		n += len(sigs)
	}
	return n
}

// Messages returns the registered messages, CAN before LIN, each in
// ascending id order.
func (db *Database) Messages() []MessageKey {
	keys := make([]MessageKey, 0, len(db.messages))
	for k := range db.messages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Bus != keys[j].Bus {
			return keys[i].Bus < keys[j].Bus
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// Signals returns the definitions for one message ordered by start bit.
func (db *Database) Signals(key MessageKey) []model.SignalDefinition {
	sigs := db.messages[key]
	out := make([]model.SignalDefinition, len(sigs))
	for i, s := range sigs {
		out[i] = s.def
	}
	return out
}

// Definitions returns every definition ordered by message then start bit.
func (db *Database) Definitions() []model.SignalDefinition {
	var out []model.SignalDefinition
	for _, key := range db.Messages() {
		out = append(out, db.Signals(key)...)
	}
	return out
}

// Decode extracts every signal of f's message. Signals that do not fit in
// f.DLC are left out and reported through an ErrSignalRange error; the
// returned map still carries the signals that could be decoded.
func (db *Database) Decode(f model.Frame) (map[string]model.SignalValue, error) {
	sigs, ok := db.messages[MessageKey{Bus: f.Bus, ID: f.ID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownMessageID, f.Bus, f.IDString())
	}
	out := make(map[string]model.SignalValue, len(sigs))
	var short []string
	avail := min(f.DLC, len(f.Data)) * 8
	for _, s := range sigs {
		if s.maxBit >= avail {
			short = append(short, s.def.Name)
			continue
		}
		var raw uint64
		for i, p := range s.positions {
			raw |= uint64(f.Data[p/8]>>uint(p%8)&1) << uint(i)
		}
		out[s.def.Name] = physical(s.def, raw)
	}
	if len(short) > 0 {
		return out, fmt.Errorf("%w: %s exceed %d-byte payload of %s", ErrSignalRange, strings.Join(short, ", "), f.DLC, f.IDString())
	}
	return out, nil
}

func physical(def model.SignalDefinition, raw uint64) model.SignalValue {
	v := model.SignalValue{Raw: raw, RawSigned: int64(raw), Unit: def.Unit}
	if def.Signed && def.BitLength < 64 && raw&(1<<uint(def.BitLength-1)) != 0 {
		v.RawSigned = int64(raw | ^uint64(0)<<uint(def.BitLength))
	}
	if def.Signed {
		v.Value = float64(v.RawSigned)*def.Factor + def.Offset
	} else {
		v.Value = float64(raw)*def.Factor + def.Offset
	}
	return v
}

// Encode packs physical values into a payload of dlc bytes. Signals of the
// message missing from values encode as raw zero.
func (db *Database) Encode(key MessageKey, dlc int, values map[string]float64) ([]byte, error) {
	sigs, ok := db.messages[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageID, key)
	}
	if dlc < 0 || dlc > model.MaxDataLen {
		return nil, fmt.Errorf("%w: dlc %d", ErrSignalRange, dlc)
	}
	known := make(map[string]signal, len(sigs))
	for _, s := range sigs {
		known[s.def.Name] = s
	}
	names := make([]string, 0, len(values))
	for name := range values {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: %q in message %s", ErrUnknownSignal, name, key)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([]byte, dlc)
	for _, name := range names {
		s := known[name]
		if s.maxBit >= dlc*8 {
			return nil, fmt.Errorf("%w: %s does not fit %d bytes", ErrSignalRange, name, dlc)
		}
		raw, err := rawValue(s.def, values[name])
		if err != nil {
			return nil, err
		}
		for i, p := range s.positions {
			if raw>>uint(i)&1 == 1 {
				data[p/8] |= 1 << uint(p%8)
			}
		}
	}
	return data, nil
}

func rawValue(def model.SignalDefinition, value float64) (uint64, error) {
	r := math.Round((value - def.Offset) / def.Factor)
	n := def.BitLength
	if def.Signed {
		lo, hi := -math.Ldexp(1, n-1), math.Ldexp(1, n-1)-1
		if r < lo || r > hi {
			return 0, fmt.Errorf("%w: %s=%v outside raw range [%v, %v]", ErrSignalRange, def.Name, value, lo, hi)
		}
		raw := uint64(int64(r))
		if n < 64 {
			raw &= 1<<uint(n) - 1
		}
		return raw, nil
	}
	hi := math.Ldexp(1, n) - 1
	if r < 0 || r > hi {
		return 0, fmt.Errorf("%w: %s=%v outside raw range [0, %v]", ErrSignalRange, def.Name, value, hi)
	}
	return uint64(r), nil
}
