package core

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/internal/fault"
	"github.com/signalsfoundry/vbus-simulator/internal/logging"
	"github.com/signalsfoundry/vbus-simulator/internal/vbus"
	"github.com/signalsfoundry/vbus-simulator/kb"
	"github.com/signalsfoundry/vbus-simulator/model"
)

type stateChange struct {
	node     string
	from, to vbus.ControllerState
}

// tick processes the window [start, start+width). Order is fixed: node
// schedules emit, faults intercept, buses arbitrate, frames are decoded,
// the evaluator observes and subscribers are notified last.
func (e *Engine) tick(start, width time.Duration) {
	began := time.Now()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	ctx := e.runContextLocked()
	end := start + width

	for _, a := range e.faults.Due(start) {
		e.applyBusOffLocked(ctx, a.Node, start)
		e.faultAppliedLocked(ctx, a)
	}

	e.events.RunBefore(end)

	var changes []stateChange
	hooks := vbus.Hooks{
		OnArbitrationLost: func(node string, f model.Frame, winner string) {
			if e.metrics != nil {
				e.metrics.ObserveArbitrationLoss(node)
			}
		},
		OnStateChange: func(node string, from, to vbus.ControllerState) {
			changes = append(changes, stateChange{node: node, from: from, to: to})
		},
		OnConfinementChange: func(node string, from, to vbus.ControllerState) {
			changes = append(changes, stateChange{node: node, from: from, to: to})
		},
	}
	var txs []vbus.Transmission
	for _, t := range e.busOrder {
		txs = append(txs, e.buses[t].Advance(start, width, hooks)...)
	}
	slices.SortStableFunc(txs, func(a, b vbus.Transmission) int {
		return cmp.Compare(a.Start, b.Start)
	})

	for _, tx := range txs {
		rec := e.recordLocked(ctx, tx)
		e.history.add(rec)
		e.outbox = append(e.outbox, Event{Kind: EventRecord, At: rec.Frame.Timestamp, Record: &rec})
		for _, v := range e.eval.ObserveRecord(rec) {
			e.emitVerdictLocked(ctx, v)
		}
	}

	for _, c := range changes {
		e.controllerChangedLocked(ctx, c, end)
	}
	if e.metrics != nil {
		for _, t := range e.busOrder {
			for _, ns := range e.buses[t].State().Nodes {
				e.metrics.SetErrorCounter(ns.Node, ns.ErrorCounter)
			}
		}
	}

	for _, v := range e.eval.Advance(end) {
		e.emitVerdictLocked(ctx, v)
	}
	events := e.takeOutboxLocked()
	e.mu.Unlock()

	e.publish(events)
	if e.metrics != nil {
		e.metrics.ObserveTick(time.Since(began))
	}
}

// intercept receives every frame a node schedule produces and routes it
// through fault injection onto the sender's bus.
func (e *Engine) intercept(f model.Frame) {
	ctx := e.runContextLocked()
	act := e.faults.Intercept(f, f.Timestamp)
	for _, a := range act.Applied {
		e.faultAppliedLocked(ctx, a)
	}
	switch {
	case act.Drop:
		return
	case act.BusOff:
		e.applyBusOffLocked(ctx, f.Sender, f.Timestamp)
		return
	}

	b, ok := e.buses[f.Bus]
	if !ok {
		return
	}
	if err := b.Enqueue(f, act.Tamper); err != nil {
		if !errors.Is(err, vbus.ErrBusOff) {
			e.logger(ctx).Warn(ctx, "frame rejected by bus",
				logging.String("node", f.Sender),
				logging.String("id", f.IDString()),
				logging.Err(err),
			)
		}
	}
}

func (e *Engine) recordLocked(ctx context.Context, tx vbus.Transmission) model.Record {
	rec := model.Record{Frame: tx.Frame, Valid: tx.Err == nil}
	bus := tx.Frame.Bus.String()
	if tx.Err != nil {
		rec.Error = tx.Err.Error()
		e.logger(ctx).Warn(ctx, "malformed frame",
			logging.String("bus", bus),
			logging.String("node", tx.Node),
			logging.String("id", tx.Frame.IDString()),
			logging.String("error", rec.Error),
		)
	} else if e.db != nil {
		signals, err := e.db.Decode(tx.Frame)
		if len(signals) > 0 {
			rec.Signals = signals
		}
		if err != nil {
			rec.DecodeError = err.Error()
			if !errors.Is(err, dbc.ErrUnknownMessageID) {
				e.logger(ctx).Debug(ctx, "signal decode failed",
					logging.String("id", tx.Frame.IDString()),
					logging.String("error", rec.DecodeError),
				)
			}
			if e.metrics != nil {
				e.metrics.ObserveDecodeError(bus)
			}
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveFrame(bus, rec.Valid)
	}
	return rec
}

func (e *Engine) controllerChangedLocked(ctx context.Context, c stateChange, at time.Duration) {
	switch c.to {
	case vbus.Idle, vbus.Arbitrating, vbus.Transmitting:
		// Transmit bookkeeping; only confinement changes are reported.
		return
	}
	e.outbox = append(e.outbox, Event{Kind: EventControllerState, At: at, Node: c.node, State: c.to.String()})
	for _, v := range e.eval.ObserveControllerState(c.node, c.to.String(), at) {
		e.emitVerdictLocked(ctx, v)
	}
	if c.to == vbus.BusOff {
		e.enterBusOffLocked(ctx, c.node, at)
	}
}

// applyBusOffLocked forces node off its bus on behalf of a fault.
func (e *Engine) applyBusOffLocked(ctx context.Context, node string, at time.Duration) {
	n, ok := e.registry.Get(node)
	if !ok {
		return
	}
	b, ok := e.buses[n.Bus]
	if !ok {
		return
	}
	if st, err := b.NodeState(node); err == nil && st.State == vbus.BusOff {
		return
	}
	if err := b.ForceBusOff(node); err != nil {
		return
	}
	e.outbox = append(e.outbox, Event{Kind: EventControllerState, At: at, Node: node, State: vbus.BusOff.String()})
	for _, v := range e.eval.ObserveControllerState(node, vbus.BusOff.String(), at) {
		e.emitVerdictLocked(ctx, v)
	}
	e.enterBusOffLocked(ctx, node, at)
}

// enterBusOffLocked halts a node whose controller went bus-off. It stays
// in Error until ResetNode.
func (e *Engine) enterBusOffLocked(ctx context.Context, node string, at time.Duration) {
	e.ecu.Disarm(node)
	if n, ok := e.registry.Get(node); ok && n.Status.Transmitting() {
		if _, err := e.registry.SetStatus(node, model.NodeError); err != nil {
			e.logger(ctx).Warn(ctx, "status change failed", logging.String("node", node), logging.Err(err))
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveBusOff(node)
	}
	e.logger(ctx).Warn(ctx, "node entered bus-off",
		logging.String("node", node),
		logging.String("at", at.String()),
	)
}

func (e *Engine) faultAppliedLocked(ctx context.Context, a fault.Applied) {
	applied := a
	e.outbox = append(e.outbox, Event{Kind: EventFault, At: a.At, Node: a.Node, Fault: &applied})
	if e.metrics != nil {
		e.metrics.ObserveFault(string(a.Spec.Type))
	}
	e.logger(ctx).Info(ctx, "fault applied",
		logging.String("handle", string(a.Handle)),
		logging.String("fault", a.Spec.String()),
		logging.String("node", a.Node),
		logging.String("at", a.At.String()),
	)
}

func (e *Engine) emitVerdictLocked(ctx context.Context, v model.Verdict) {
	verdict := v
	e.outbox = append(e.outbox, Event{Kind: EventVerdict, At: v.At, Verdict: &verdict})
	if e.metrics != nil {
		e.metrics.ObserveVerdict(string(v.Result))
	}
	if !v.Passed() {
		e.logger(ctx).Warn(ctx, "rule failed",
			logging.String("rule_id", v.RuleID),
			logging.String("rule", v.Rule),
			logging.String("reason", v.Reason),
		)
	}
}

// onRegistryEvent runs synchronously inside registry calls, which the
// engine only makes while holding e.mu.
func (e *Engine) onRegistryEvent(ev kb.Event) {
	at := e.clock.Now()
	switch ev.Type {
	case kb.EventNodeAdded, kb.EventNodeStatusChanged:
		e.outbox = append(e.outbox, Event{Kind: EventNodeStatus, At: at, Node: ev.Node.ID, State: string(ev.Node.Status)})
		for _, v := range e.eval.ObserveNodeStatus(ev.Node.ID, ev.Node.Status, at) {
			e.emitVerdictLocked(context.Background(), v)
		}
	case kb.EventNodeRemoved:
		e.outbox = append(e.outbox, Event{Kind: EventNodeRemoved, At: at, Node: ev.Node.ID})
	}
}

func (e *Engine) takeOutboxLocked() []Event {
	out := e.outbox
	e.outbox = nil
	return out
}

// runContextLocked returns the context of the active Run, which carries the
// run logger, or a background context between runs.
func (e *Engine) runContextLocked() context.Context {
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// logger prefers the run-scoped logger stored on ctx.
func (e *Engine) logger(ctx context.Context) logging.Logger {
	return logging.FromContext(ctx, e.log)
}
