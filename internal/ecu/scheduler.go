// Package ecu turns node transmit schedules into frames on the simulation
// clock.
package ecu

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/vbus-simulator/internal/sched"
	"github.com/signalsfoundry/vbus-simulator/kb"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// Emitter receives each frame a node produces. Frame.Timestamp carries the
// scheduled emission time.
type Emitter func(f model.Frame)

type entryKey struct {
	node string
	id   uint32
}

// Scheduler arms one recurring event per TxEntry of every transmitting
// node. Placeholder pattern bytes are filled from a per-entry rolling
// counter for Running nodes and from the seeded PRNG for Simulating nodes.
type Scheduler struct {
	events   sched.EventScheduler
	registry *kb.NodeRegistry
	emit     Emitter

	mu       sync.Mutex
	rng      *rand.Rand
	counters map[entryKey]uint8
	armed    map[string]bool
}

// New constructs a Scheduler. All randomness comes from seed.
func New(events sched.EventScheduler, registry *kb.NodeRegistry, seed uint64, emit Emitter) *Scheduler {
	return &Scheduler{
		events:   events,
		registry: registry,
		emit:     emit,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		counters: make(map[entryKey]uint8),
		armed:    make(map[string]bool),
	}
}

// Arm schedules the first emission of every entry of node at time at.
// Arming an armed node is a no-op.
func (s *Scheduler) Arm(nodeID string, at time.Duration) error {
	n, ok := s.registry.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %q", kb.ErrNodeNotFound, nodeID)
	}
	s.mu.Lock()
	if s.armed[nodeID] {
		s.mu.Unlock()
		return nil
	}
	s.armed[nodeID] = true
	s.mu.Unlock()

	for _, e := range n.TxSchedule {
		s.schedule(nodeID, e, at)
	}
	return nil
}

// Disarm cancels every pending emission of node in one step and returns
// the number of cancelled events.
func (s *Scheduler) Disarm(nodeID string) int {
	s.mu.Lock()
	delete(s.armed, nodeID)
	s.mu.Unlock()
	return s.events.CancelOwner(nodeID)
}

// Armed reports whether node has live schedules.
func (s *Scheduler) Armed(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed[nodeID]
}

// Reset disarms every node.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.armed))
	for id := range s.armed {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Disarm(id)
	}
}

func (s *Scheduler) schedule(nodeID string, e model.TxEntry, at time.Duration) {
	s.events.Schedule(at, nodeID, func(at time.Duration) {
		s.fire(nodeID, e, at)
	})
}

func (s *Scheduler) fire(nodeID string, e model.TxEntry, at time.Duration) {
	n, ok := s.registry.Get(nodeID)
	if !ok || !n.Status.Transmitting() {
		return
	}

	s.mu.Lock()
	if !s.armed[nodeID] {
		s.mu.Unlock()
		return
	}
	data := s.fillLocked(entryKey{nodeID, e.MessageID}, e.DataPattern, n.Status)
	next := at + time.Duration(e.IntervalMs)*time.Millisecond + s.jitterLocked(e.JitterMs)
	s.mu.Unlock()

	s.emit(model.Frame{
		Bus:       n.Bus,
		ID:        e.MessageID,
		Extended:  e.Extended,
		DLC:       len(data),
		Data:      data,
		Timestamp: at,
		Sender:    nodeID,
	})
	// The emitter may have stopped the node.
	if s.Armed(nodeID) {
		s.schedule(nodeID, e, next)
	}
}

func (s *Scheduler) fillLocked(key entryKey, pattern []string, status model.NodeStatus) []byte {
	data := make([]byte, len(pattern))
	counter := s.counters[key]
	for i, tok := range pattern {
		if b, ok := model.PatternByte(tok); ok {
			data[i] = b
			continue
		}
		if status == model.NodeSimulating {
			data[i] = byte(s.rng.UintN(256))
		} else {
			data[i] = counter
		}
	}
	s.counters[key] = counter + 1
	return data
}

func (s *Scheduler) jitterLocked(jitterMs int) time.Duration {
	if jitterMs <= 0 {
		return 0
	}
	return time.Duration(s.rng.IntN(2*jitterMs+1)-jitterMs) * time.Millisecond
}
