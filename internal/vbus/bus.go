// Package vbus simulates a shared CAN or LIN medium: identifier arbitration,
// bit timing and per-node fault confinement.
package vbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/vbus-simulator/internal/codec"
	"github.com/signalsfoundry/vbus-simulator/model"
)

var (
	// ErrBusOff is returned when a bus-off node tries to transmit.
	ErrBusOff = errors.New("node is bus-off")
	// ErrUnknownNode is returned for operations on unregistered nodes.
	ErrUnknownNode = errors.New("unknown node")
	// ErrNodeExists is returned when registering a node twice.
	ErrNodeExists = errors.New("node already attached")
)

// Fault confinement thresholds.
const (
	ErrorPassiveThreshold = 128
	BusOffThreshold       = 256
	DefaultErrorIncrement = 8

	DefaultCANBitrate = 500_000
	DefaultLINBitrate = 19_200
)

// ControllerState is the state of one node's bus controller.
type ControllerState int

const (
	Idle ControllerState = iota
	Arbitrating
	Transmitting
	ErrorActive
	ErrorPassive
	BusOff
)

func (s ControllerState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Arbitrating:
		return "Arbitrating"
	case Transmitting:
		return "Transmitting"
	case ErrorActive:
		return "ErrorActive"
	case ErrorPassive:
		return "ErrorPassive"
	case BusOff:
		return "BusOff"
	default:
		return fmt.Sprintf("ControllerState(%d)", int(s))
	}
}

// Config parameterizes a Bus.
type Config struct {
	Type model.BusType
	// Bitrate in bit/s. Zero selects the bus default.
	Bitrate int
	// ErrorIncrement is added to the sender's counter per detected error.
	ErrorIncrement int
	Codec          *codec.Codec
}

// Tamper describes in-flight corruption requested by fault injection.
type Tamper struct {
	// DataBit flips a data bit on the wire after the checksum is computed.
	DataBit *int
	// ArbitrationBit inverts one arbitration bit for the frame's next
	// arbitration round.
	ArbitrationBit *int
}

// Transmission is one frame that occupied the bus.
type Transmission struct {
	Node  string
	Frame model.Frame
	Wire  []byte
	// Err is the receiver-side codec error, nil for a clean frame.
	Err   error
	Start time.Duration
	End   time.Duration
}

// Hooks observe bus activity during Advance. Nil hooks are skipped.
type Hooks struct {
	OnArbitrationLost func(node string, f model.Frame, winner string)
	OnStateChange     func(node string, from, to ControllerState)

	// OnConfinementChange fires when successful frames lower a node's
	// error counter across a confinement threshold.
	OnConfinementChange func(node string, from, to ControllerState)
}

// NodeState is a copy of one controller's state.
type NodeState struct {
	Node         string
	State        ControllerState
	ErrorCounter int
	Queued       int
}

// Confinement derives the fault confinement state from the error counter.
func (n NodeState) Confinement() ControllerState {
	return confinement(n.ErrorCounter)
}

func confinement(counter int) ControllerState {
	switch {
	case counter >= BusOffThreshold:
		return BusOff
	case counter >= ErrorPassiveThreshold:
		return ErrorPassive
	default:
		return ErrorActive
	}
}

// BusState is a snapshot of the bus.
type BusState struct {
	Type             model.BusType
	Winner           string
	BusyUntil        time.Duration
	Nodes            []NodeState
	LastTransmission map[uint32]time.Duration
}

type pending struct {
	frame   model.Frame
	readyAt time.Duration
	seq     uint64
	arb     []uint8
	dataBit *int
}

type controller struct {
	id      string
	queue   []pending
	counter int
	state   ControllerState
}

// Bus is the single arbitration point for one simulated medium. All
// methods are safe for concurrent use.
type Bus struct {
	mu sync.Mutex

	typ       model.BusType
	bitrate   int
	increment int
	codec     *codec.Codec

	nodes     map[string]*controller
	order     []string
	busyUntil time.Duration
	lastTx    map[uint32]time.Duration
	winner    string
	seq       uint64
}

// New builds a Bus with defaults applied.
func New(cfg Config) *Bus {
	b := &Bus{
		typ:       cfg.Type,
		bitrate:   cfg.Bitrate,
		increment: cfg.ErrorIncrement,
		codec:     cfg.Codec,
		nodes:     make(map[string]*controller),
		lastTx:    make(map[uint32]time.Duration),
	}
	if b.bitrate <= 0 {
		b.bitrate = DefaultCANBitrate
		if b.typ == model.BusLIN {
			b.bitrate = DefaultLINBitrate
		}
	}
	if b.increment <= 0 {
		b.increment = DefaultErrorIncrement
	}
	if b.codec == nil {
		b.codec = codec.New()
	}
	return b
}

// Type returns the bus protocol.
func (b *Bus) Type() model.BusType { return b.typ }

// Bitrate returns the configured bit rate in bit/s.
func (b *Bus) Bitrate() int { return b.bitrate }

// Attach registers a node controller. Attachment order breaks arbitration
// ties between identical identifiers.
func (b *Bus) Attach(node string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[node]; ok {
		return fmt.Errorf("%w: %q", ErrNodeExists, node)
	}
	b.nodes[node] = &controller{id: node, state: Idle}
	b.order = append(b.order, node)
	return nil
}

// Detach removes a node and discards its queued frames.
func (b *Bus) Detach(node string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[node]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, node)
	}
	delete(b.nodes, node)
	for i, id := range b.order {
		if id == node {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Enqueue appends f to the sender's transmit queue. f.Timestamp is the
// earliest time the frame may start; it is replaced by the actual start of
// frame when the frame is transmitted.
func (b *Bus) Enqueue(f model.Frame, t Tamper) error {
	if f.Bus != b.typ {
		return fmt.Errorf("%w: %s frame on %s bus", model.ErrInvalidFrame, f.Bus, b.typ)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.nodes[f.Sender]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, f.Sender)
	}
	if c.state == BusOff {
		return fmt.Errorf("%w: %q", ErrBusOff, f.Sender)
	}
	p := pending{frame: f.Clone(), readyAt: f.Timestamp, seq: b.seq, dataBit: t.DataBit}
	b.seq++
	if t.ArbitrationBit != nil && b.typ == model.BusCAN {
		arb := codec.ArbitrationBits(f)
		if i := *t.ArbitrationBit; i >= 0 && i < len(arb) {
			arb[i] ^= 1
			p.arb = arb
		}
	}
	c.queue = append(c.queue, p)
	return nil
}

// Purge drops every queued frame of node and returns how many were removed.
func (b *Bus) Purge(node string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.nodes[node]
	if !ok {
		return 0
	}
	n := len(c.queue)
	c.queue = nil
	if c.state == Arbitrating {
		c.state = Idle
	}
	return n
}

// ForceBusOff drives node's error counter to the bus-off threshold.
func (b *Bus) ForceBusOff(node string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.nodes[node]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, node)
	}
	c.counter = max(c.counter, BusOffThreshold)
	c.state = BusOff
	c.queue = nil
	return nil
}

// Reset clears node's error counter and returns it to Idle.
func (b *Bus) Reset(node string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.nodes[node]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, node)
	}
	c.counter = 0
	c.state = Idle
	return nil
}

// ErrorCounter returns the node's current error counter.
func (b *Bus) ErrorCounter(node string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.nodes[node]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNode, node)
	}
	return c.counter, nil
}

// NodeState returns a copy of one controller's state.
func (b *Bus) NodeState(node string) (NodeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.nodes[node]
	if !ok {
		return NodeState{}, fmt.Errorf("%w: %q", ErrUnknownNode, node)
	}
	return c.snapshot(), nil
}

// LastTransmission returns the start time of the last clean transmission
// of message id.
func (b *Bus) LastTransmission(id uint32) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.lastTx[id]
	return t, ok
}

// State returns a snapshot of the bus.
func (b *Bus) State() BusState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BusState{
		Type:             b.typ,
		Winner:           b.winner,
		BusyUntil:        b.busyUntil,
		Nodes:            make([]NodeState, 0, len(b.order)),
		LastTransmission: make(map[uint32]time.Duration, len(b.lastTx)),
	}
	for _, id := range b.order {
		st.Nodes = append(st.Nodes, b.nodes[id].snapshot())
	}
	for k, v := range b.lastTx {
		st.LastTransmission[k] = v
	}
	return st
}

func (c *controller) snapshot() NodeState {
	return NodeState{Node: c.id, State: c.state, ErrorCounter: c.counter, Queued: len(c.queue)}
}

// FrameDuration returns how long f occupies the bus, including the CAN
// interframe space.
func (b *Bus) FrameDuration(f model.Frame) time.Duration {
	bits := codec.BitLength(f)
	if b.typ == model.BusCAN {
		bits += codec.InterframeSpace
	}
	return time.Duration(int64(bits) * int64(time.Second) / int64(b.bitrate))
}
