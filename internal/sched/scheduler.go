// Package sched provides the simulation-time event queue that drives node
// transmissions.
package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/vbus-simulator/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times
// based on a SimClock implementation.
//
// The engine advances the clock and calls RunBefore with the end of the
// current tick window; node schedulers use Schedule, Cancel and
// CancelOwner to manage their periodic transmissions.
type EventScheduler interface {
	// Schedule registers f to run at simulation time at on behalf of owner.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Duration, owner string, f func(at time.Duration)) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// CancelOwner cancels every pending event of owner in one step and
	// returns how many were cancelled.
	CancelOwner(owner string) int

	// Now returns the current simulation time of the underlying SimClock.
	Now() time.Duration

	// RunDue executes all events whose scheduled time is <= Now().
	RunDue()

	// RunBefore executes all events scheduled strictly before end.
	RunBefore(end time.Duration)

	// Pending returns the number of events that have not run or been cancelled.
	Pending() int
}

type scheduledEvent struct {
	id        string
	owner     string
	when      time.Duration
	f         func(time.Duration)
	cancelled bool
}

// eventScheduler keeps events ordered by time; events at the same time run
// in scheduling order.
type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates a new event scheduler backed by the given SimClock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Duration, owner string, f func(time.Duration)) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{id: id, owner: owner, when: at, f: f}

	// Insert after every event at the same time so equal-time events keep
	// FIFO order.
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when > at
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev

	s.index[id] = ev
	return id
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
}

func (s *eventScheduler) CancelOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, ev := range s.index {
		if ev.owner != owner {
			continue
		}
		ev.cancelled = true
		delete(s.index, id)
		n++
	}
	return n
}

func (s *eventScheduler) Now() time.Duration {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popLocked removes and returns the earliest live event accepted by due.
// Caller must hold s.mu.
func (s *eventScheduler) popLocked(due func(time.Duration) bool) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if !due(ev.when) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

func (s *eventScheduler) run(due func(time.Duration) bool) {
	for {
		s.mu.Lock()
		ev := s.popLocked(due)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Execute outside the lock so callbacks may reschedule.
		if ev.f != nil {
			ev.f(ev.when)
		}
	}
}

func (s *eventScheduler) RunDue() {
	now := s.clock.Now()
	s.run(func(at time.Duration) bool { return at <= now })
}

func (s *eventScheduler) RunBefore(end time.Duration) {
	s.run(func(at time.Duration) bool { return at < end })
}
