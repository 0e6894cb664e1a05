// Package fault deterministically corrupts frames and bus state according
// to injected fault specs.
package fault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/vbus-simulator/internal/codec"
	"github.com/signalsfoundry/vbus-simulator/internal/vbus"
	"github.com/signalsfoundry/vbus-simulator/model"
)

var (
	// ErrConfig is returned for fault specs that can never apply.
	ErrConfig = model.ErrConfig
	// ErrUnknownHandle is returned when cancelling a fault that is not active.
	ErrUnknownHandle = errors.New("unknown fault handle")
)

// Handle identifies an injected fault.
type Handle string

// Active describes an injected fault that has not expired.
type Active struct {
	Handle       Handle
	Spec         model.FaultSpec
	Applications int
	// FirstApplied is nil until the fault first matches.
	FirstApplied *time.Duration
}

// Applied records one application of a fault.
type Applied struct {
	Handle Handle
	Spec   model.FaultSpec
	Node   string
	At     time.Duration
}

// Action tells the engine what to do with an intercepted frame.
type Action struct {
	// Drop suppresses the frame entirely.
	Drop bool
	// BusOff forces the sender to bus-off; the frame is not enqueued.
	BusOff bool
	Tamper vbus.Tamper
	// Applied lists every fault applied to the frame.
	Applied []Applied
}

type entry struct {
	handle Handle
	spec   model.FaultSpec
	first  *time.Duration
	count  int
}

// Engine holds active faults in injection order. Faults are checked in
// that order, which keeps replay deterministic.
type Engine struct {
	mu     sync.Mutex
	seed   uint64
	seq    uint64
	faults []*entry
}

// New constructs an Engine whose handles derive from seed.
func New(seed uint64) *Engine {
	return &Engine{seed: seed}
}

// Inject validates spec and activates it.
func (e *Engine) Inject(spec model.FaultSpec) (Handle, error) {
	if t, err := model.ParseFaultType(string(spec.Type)); err == nil {
		spec.Type = t
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	h := Handle(uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("vbus-fault/%d/%d", e.seed, e.seq))).String())
	e.faults = append(e.faults, &entry{handle: h, spec: spec.Clone()})
	return h, nil
}

// Cancel removes an active fault.
func (e *Engine) Cancel(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, f := range e.faults {
		if f.handle == h {
			e.faults = append(e.faults[:i], e.faults[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
}

// Active returns the faults that are still pending or within their duration.
func (e *Engine) Active() []Active {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Active, 0, len(e.faults))
	for _, f := range e.faults {
		a := Active{Handle: f.handle, Spec: f.spec.Clone(), Applications: f.count}
		if f.first != nil {
			at := *f.first
			a.FirstApplied = &at
		}
		out = append(out, a)
	}
	return out
}

// Reset discards every fault, including in-flight durations.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = nil
}

// Due applies bus-off faults that target a node without a message filter.
// Those act immediately rather than waiting for a frame; Applied.Node names
// each node to force into bus-off.
func (e *Engine) Due(now time.Duration) []Applied {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(now)

	var out []Applied
	kept := e.faults[:0]
	for _, f := range e.faults {
		if f.spec.Type == model.FaultBusOff && f.spec.TargetMessageID == nil && f.first == nil {
			out = append(out, e.applyLocked(f, f.spec.TargetNodeID, now))
			if f.spec.OneShot() {
				continue
			}
		}
		kept = append(kept, f)
	}
	e.faults = kept
	return out
}

// Intercept checks f against every active fault as it enters the bus. now
// is the time the frame is offered to the bus.
func (e *Engine) Intercept(f model.Frame, now time.Duration) Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(now)

	var act Action
	kept := e.faults[:0]
	for _, fl := range e.faults {
		if act.Drop || act.BusOff || !fl.spec.Matches(f) || !applicable(fl.spec, f) {
			kept = append(kept, fl)
			continue
		}
		act.Applied = append(act.Applied, e.applyLocked(fl, f.Sender, now))
		switch fl.spec.Type {
		case model.FaultTimeout:
			act.Drop = true
		case model.FaultBusOff:
			act.BusOff = true
		case model.FaultBitError:
			if act.Tamper.DataBit == nil {
				p := *fl.spec.BitPosition
				act.Tamper.DataBit = &p
			}
		case model.FaultRecessiveDominantFlip:
			if act.Tamper.ArbitrationBit == nil {
				p := arbitrationBit(fl.spec)
				act.Tamper.ArbitrationBit = &p
			}
		}
		if !fl.spec.OneShot() {
			kept = append(kept, fl)
		}
	}
	e.faults = kept
	return act
}

func (e *Engine) applyLocked(f *entry, node string, now time.Duration) Applied {
	if f.first == nil {
		at := now
		f.first = &at
	}
	f.count++
	return Applied{Handle: f.handle, Spec: f.spec.Clone(), Node: node, At: now}
}

func (e *Engine) expireLocked(now time.Duration) {
	kept := e.faults[:0]
	for _, f := range e.faults {
		if f.first != nil && f.spec.DurationMs > 0 && now >= *f.first+time.Duration(f.spec.DurationMs)*time.Millisecond {
			continue
		}
		kept = append(kept, f)
	}
	e.faults = kept
}

// applicable reports whether the fault mechanism can act on f at all.
func applicable(spec model.FaultSpec, f model.Frame) bool {
	switch spec.Type {
	case model.FaultBitError:
		return *spec.BitPosition < f.DLC*8
	case model.FaultRecessiveDominantFlip:
		return f.Bus == model.BusCAN && arbitrationBit(spec) < len(codec.ArbitrationBits(f))
	default:
		return true
	}
}

func arbitrationBit(spec model.FaultSpec) int {
	if spec.BitPosition == nil {
		return 0
	}
	return *spec.BitPosition
}
