package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/internal/fault"
	"github.com/signalsfoundry/vbus-simulator/internal/logging"
	"github.com/signalsfoundry/vbus-simulator/internal/vbus"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// AddNode registers n and attaches it to its bus. A node added in Running
// or Simulating status starts transmitting at the current time.
func (e *Engine) AddNode(ctx context.Context, n model.Node) (err error) {
	ctx, span := startSpan(ctx, "vbus.AddNode", "node", n.ID)
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	if e.stopped {
		return ErrStopped
	}
	b, err := e.busFor(n)
	if err != nil {
		return err
	}
	if err := e.registry.Add(n); err != nil {
		return err
	}
	if err := b.Attach(n.ID); err != nil {
		_, _ = e.registry.Remove(n.ID)
		return err
	}
	if n.Status.Transmitting() {
		if err := e.ecu.Arm(n.ID, e.clock.Now()); err != nil {
			return err
		}
	}
	e.nodesChangedLocked()
	e.logger(ctx).Info(ctx, "node added",
		logging.String("node", n.ID),
		logging.String("bus", n.Bus.String()),
		logging.Int("tx_entries", len(n.TxSchedule)),
	)
	return nil
}

// RemoveNode halts every pending transmission of the node, drops its
// queued frames and forgets it.
func (e *Engine) RemoveNode(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "vbus.RemoveNode", "node", id)
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	n, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	e.ecu.Disarm(id)
	if b, ok := e.buses[n.Bus]; ok {
		b.Purge(id)
		_ = b.Detach(id)
	}
	if _, err := e.registry.Remove(id); err != nil {
		return err
	}
	e.nodesChangedLocked()
	e.logger(ctx).Info(ctx, "node removed", logging.String("node", id))
	return nil
}

// StartNode moves a node to Running; scheduled payloads use their literal
// pattern bytes and rolling counters.
func (e *Engine) StartNode(ctx context.Context, id string) error {
	return e.startNode(ctx, id, model.NodeRunning)
}

// SimulateNode moves a node to Simulating; placeholder bytes are filled
// from the seeded generator.
func (e *Engine) SimulateNode(ctx context.Context, id string) error {
	return e.startNode(ctx, id, model.NodeSimulating)
}

func (e *Engine) startNode(ctx context.Context, id string, status model.NodeStatus) (err error) {
	ctx, span := startSpan(ctx, "vbus.StartNode", "node", id, attribute.String("status", string(status)))
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	if e.stopped {
		return ErrStopped
	}
	prev, err := e.registry.SetStatus(id, status)
	if err != nil {
		return err
	}
	if err := e.ecu.Arm(id, e.clock.Now()); err != nil {
		return err
	}
	e.logger(ctx).Info(ctx, "node started",
		logging.String("node", id),
		logging.String("from", string(prev)),
		logging.String("to", string(status)),
	)
	return nil
}

// StopNode stops a node. No frame of the node appears in the stream after
// the current tick: pending emissions are cancelled and queued frames are
// purged.
func (e *Engine) StopNode(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "vbus.StopNode", "node", id)
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	n, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if _, err := e.registry.SetStatus(id, model.NodeStopped); err != nil {
		return err
	}
	cancelled := e.ecu.Disarm(id)
	purged := 0
	if b, ok := e.buses[n.Bus]; ok {
		purged = b.Purge(id)
	}
	e.logger(ctx).Info(ctx, "node stopped",
		logging.String("node", id),
		logging.Int("cancelled_events", cancelled),
		logging.Int("purged_frames", purged),
	)
	return nil
}

// ResetNode clears the node's error counter and bus-off state and reports
// the controller as ErrorActive. A node in Error returns to Stopped; other
// statuses are kept.
func (e *Engine) ResetNode(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "vbus.ResetNode", "node", id)
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	n, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if b, ok := e.buses[n.Bus]; ok {
		if err := b.Reset(id); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.SetErrorCounter(id, 0)
		}
		now := e.clock.Now()
		state := vbus.ErrorActive.String()
		e.outbox = append(e.outbox, Event{Kind: EventControllerState, At: now, Node: id, State: state})
		for _, v := range e.eval.ObserveControllerState(id, state, now) {
			e.emitVerdictLocked(ctx, v)
		}
	}
	if n.Status == model.NodeError {
		if _, err := e.registry.SetStatus(id, model.NodeStopped); err != nil {
			return err
		}
	}
	e.logger(ctx).Info(ctx, "node reset", logging.String("node", id))
	return nil
}

// Nodes returns the registered nodes in registration order.
func (e *Engine) Nodes() []model.Node {
	return e.registry.List()
}

// InjectFault activates spec. TargetNodeID may name a node by id or by
// display name.
func (e *Engine) InjectFault(ctx context.Context, spec model.FaultSpec) (h fault.Handle, err error) {
	ctx, span := startSpan(ctx, "vbus.InjectFault", "fault", string(spec.Type))
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	if e.stopped {
		return "", ErrStopped
	}
	if spec.TargetNodeID != "" {
		id, ok := e.resolveNodeLocked(spec.TargetNodeID)
		if !ok {
			return "", fmt.Errorf("%w: fault targets unknown node %q", ErrConfig, spec.TargetNodeID)
		}
		spec.TargetNodeID = id
	}
	h, err = e.faults.Inject(spec)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("fault.handle", string(h)))
	e.logger(ctx).Info(ctx, "fault injected",
		logging.String("handle", string(h)),
		logging.String("fault", spec.String()),
	)
	return h, nil
}

// CancelFault deactivates an injected fault.
func (e *Engine) CancelFault(ctx context.Context, h fault.Handle) (err error) {
	ctx, span := startSpan(ctx, "vbus.CancelFault", "fault", string(h))
	defer func() { finish(span, err) }()

	if err := e.faults.Cancel(h); err != nil {
		return err
	}
	e.logger(ctx).Info(ctx, "fault cancelled", logging.String("handle", string(h)))
	return nil
}

// Faults returns the active faults in injection order.
func (e *Engine) Faults() []fault.Active {
	return e.faults.Active()
}

// LoadSignalDefinitions replaces the signal database from the next tick
// on. A nil database disables decoding.
func (e *Engine) LoadSignalDefinitions(ctx context.Context, db *dbc.Database) {
	ctx, span := startSpan(ctx, "vbus.LoadSignalDefinitions", "signals", "")
	defer span.End()

	e.mu.Lock()
	e.db = db
	e.mu.Unlock()

	n := 0
	if db != nil {
		n = db.Len()
	}
	span.SetAttributes(attribute.Int("signals", n))
	e.logger(ctx).Info(ctx, "signal definitions loaded", logging.Int("signals", n))
}

// LoadSignalFile parses path and installs the result. On error the
// current database is kept.
func (e *Engine) LoadSignalFile(ctx context.Context, path string) error {
	db, err := dbc.LoadFile(path)
	if err != nil {
		return err
	}
	e.LoadSignalDefinitions(ctx, db)
	return nil
}

// AddRule registers an evaluator rule whose window starts now. Node
// references may use the node id or display name.
func (e *Engine) AddRule(ctx context.Context, r evaluator.Rule) (err error) {
	_, span := startSpan(ctx, "vbus.AddRule", "rule", r.ID, attribute.String("kind", string(r.Kind)))
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	return e.addRuleLocked(ctx, r)
}

func (e *Engine) addRuleLocked(ctx context.Context, r evaluator.Rule) error {
	if r.Node != "" {
		id, ok := e.resolveNodeLocked(r.Node)
		if !ok {
			return fmt.Errorf("%w: rule %q references unknown node %q", ErrConfig, r.ID, r.Node)
		}
		r.Node = id
	}
	if r.Sender != "" {
		id, ok := e.resolveNodeLocked(r.Sender)
		if !ok {
			return fmt.Errorf("%w: rule %q references unknown sender %q", ErrConfig, r.ID, r.Sender)
		}
		r.Sender = id
	}
	verdicts, err := e.eval.Add(r)
	if err != nil {
		return err
	}
	for _, v := range verdicts {
		e.emitVerdictLocked(ctx, v)
	}
	return nil
}

// RunScript injects the faults and registers the rules of every case. All
// of it is checked before anything is applied.
func (e *Engine) RunScript(ctx context.Context, s *evaluator.Script) (err error) {
	ctx, span := startSpan(ctx, "vbus.RunScript", "script", "", attribute.Int("cases", len(s.Cases)))
	defer func() { finish(span, err) }()

	e.mu.Lock()
	defer e.unlockAndPublish()
	if e.stopped {
		return ErrStopped
	}
	for _, c := range s.Cases {
		for _, f := range c.Faults {
			if f.TargetNodeID == "" {
				continue
			}
			if _, ok := e.resolveNodeLocked(f.TargetNodeID); !ok {
				return fmt.Errorf("%w: case %q: fault targets unknown node %q", ErrConfig, c.Name, f.TargetNodeID)
			}
		}
	}
	for _, c := range s.Cases {
		for _, f := range c.Faults {
			if f.TargetNodeID != "" {
				f.TargetNodeID, _ = e.resolveNodeLocked(f.TargetNodeID)
			}
			if _, err := e.faults.Inject(f); err != nil {
				return fmt.Errorf("case %q: %w", c.Name, err)
			}
		}
		for _, r := range c.Rules {
			if err := e.addRuleLocked(ctx, r); err != nil {
				return fmt.Errorf("case %q: %w", c.Name, err)
			}
		}
		e.logger(ctx).Info(ctx, "test case loaded",
			logging.String("case", c.Name),
			logging.Int("faults", len(c.Faults)),
			logging.Int("rules", len(c.Rules)),
		)
	}
	return nil
}

// resolveNodeLocked maps a node id or display name to the node id.
func (e *Engine) resolveNodeLocked(ref string) (string, bool) {
	if _, ok := e.registry.Get(ref); ok {
		return ref, true
	}
	for _, n := range e.registry.List() {
		if n.Name == ref {
			return n.ID, true
		}
	}
	return "", false
}

func (e *Engine) nodesChangedLocked() {
	if e.metrics != nil {
		e.metrics.SetNodes(len(e.registry.List()))
	}
}

// unlockAndPublish releases e.mu and delivers events queued by the
// command.
func (e *Engine) unlockAndPublish() {
	events := e.takeOutboxLocked()
	e.mu.Unlock()
	e.publish(events)
}
