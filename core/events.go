package core

import (
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/vbus-simulator/internal/fault"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// EventKind tells which payload field of an Event is set.
type EventKind int

const (
	EventRecord EventKind = iota
	EventVerdict
	EventNodeStatus
	EventNodeRemoved
	EventControllerState
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventRecord:
		return "record"
	case EventVerdict:
		return "verdict"
	case EventNodeStatus:
		return "node_status"
	case EventNodeRemoved:
		return "node_removed"
	case EventControllerState:
		return "controller_state"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is one entry of the push stream.
type Event struct {
	Kind EventKind
	At   time.Duration

	Record  *model.Record
	Verdict *model.Verdict
	Fault   *fault.Applied
	// Node and State are set for status, controller and fault events.
	Node  string
	State string
}

// DefaultSubscriberBuffer is used when Subscribe is called with a
// non-positive buffer size.
const DefaultSubscriberBuffer = 1024

type subscribers struct {
	mu        sync.Mutex
	nextID    int
	channels  map[int]chan Event
	callbacks map[int]func(Event)
}

func newSubscribers() *subscribers {
	return &subscribers{
		channels:  make(map[int]chan Event),
		callbacks: make(map[int]func(Event)),
	}
}

// Subscribe returns a channel receiving every event published after the
// call. Sends never block the simulation: when the buffer is full the event
// is dropped and counted. cancel closes the channel.
func (e *Engine) Subscribe(buffer int) (events <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	s := e.subs
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.channels[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// pubMu keeps cancel from closing a channel mid-publish.
			e.pubMu.Lock()
			defer e.pubMu.Unlock()
			s.mu.Lock()
			delete(s.channels, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// OnEvent registers a callback invoked synchronously after each tick for
// every event. Callbacks run outside the engine lock and may issue
// commands, but a slow callback delays the simulation.
func (e *Engine) OnEvent(fn func(Event)) (unsubscribe func()) {
	s := e.subs
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.callbacks[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

func (e *Engine) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	s := e.subs
	s.mu.Lock()
	cbs := make([]func(Event), 0, len(s.callbacks))
	for _, id := range sortedKeys(s.callbacks) {
		cbs = append(cbs, s.callbacks[id])
	}
	s.mu.Unlock()

	e.sendAll(events)
	for _, ev := range events {
		for _, fn := range cbs {
			fn(ev)
		}
	}
}

func (e *Engine) sendAll(events []Event) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	s := e.subs
	s.mu.Lock()
	chans := make([]chan Event, 0, len(s.channels))
	for _, id := range sortedKeys(s.channels) {
		chans = append(chans, s.channels[id])
	}
	s.mu.Unlock()

	dropped := 0
	for _, ev := range events {
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				dropped++
			}
		}
	}
	if dropped > 0 {
		e.dropped.Add(uint64(dropped))
		if e.metrics != nil {
			e.metrics.ObserveDroppedEvents(dropped)
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
