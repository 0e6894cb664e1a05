package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/vbus-simulator/model"
)

var (
	ErrNodeExists        = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrIllegalTransition = errors.New("illegal node status transition")
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeRemoved
	EventNodeStatusChanged
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "added"
	case EventNodeRemoved:
		return "removed"
	case EventNodeStatusChanged:
		return "status"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when a node changes.
type Event struct {
	Type     EventType
	Node     model.Node
	Previous model.NodeStatus
}

// NodeRegistry is an in-memory, thread-safe store of simulated ECUs. It
// owns node status and only allows the legal lifecycle transitions.
type NodeRegistry struct {
	mu sync.RWMutex

	nodes map[string]*model.Node
	order []string

	subs    map[int]func(Event)
	nextSub int
}

// NewNodeRegistry constructs an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		nodes: make(map[string]*model.Node),
		subs:  make(map[int]func(Event)),
	}
}

// Add registers a node. New nodes may start Stopped, Running or
// Simulating but never in Error.
func (r *NodeRegistry) Add(n model.Node) error {
	if n.Status == "" {
		n.Status = model.NodeStopped
	}
	if err := n.Validate(); err != nil {
		return err
	}
	if n.Status == model.NodeError {
		return fmt.Errorf("%w: node %q cannot be created in Error", model.ErrConfig, n.ID)
	}

	r.mu.Lock()
	if _, exists := r.nodes[n.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	stored := n.Clone()
	r.nodes[n.ID] = &stored
	r.order = append(r.order, n.ID)
	ev := Event{Type: EventNodeAdded, Node: stored.Clone()}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	notify(subs, ev)
	return nil
}

// Remove deletes a node and returns its last state.
func (r *NodeRegistry) Remove(id string) (model.Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return model.Node{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	delete(r.nodes, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	removed := n.Clone()
	subs := r.subscribersLocked()
	r.mu.Unlock()

	notify(subs, Event{Type: EventNodeRemoved, Node: removed.Clone()})
	return removed, nil
}

// Get returns a copy of the node.
func (r *NodeRegistry) Get(id string) (model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.Node{}, false
	}
	return n.Clone(), true
}

// List returns copies of all nodes in registration order.
func (r *NodeRegistry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]model.Node, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, r.nodes[id].Clone())
	}
	return res
}

// SetStatus moves a node to status and returns the previous status.
func (r *NodeRegistry) SetStatus(id string, status model.NodeStatus) (model.NodeStatus, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	prev := n.Status
	if !model.CanTransition(prev, status) {
		r.mu.Unlock()
		return prev, fmt.Errorf("%w: %q %s -> %s", ErrIllegalTransition, id, prev, status)
	}
	n.Status = status
	ev := Event{Type: EventNodeStatusChanged, Node: n.Clone(), Previous: prev}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	notify(subs, ev)
	return prev, nil
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function.
func (r *NodeRegistry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *NodeRegistry) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = r.subs[id]
	}
	return out
}

// notify runs outside the lock to avoid deadlocks.
func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
