package core

import (
	"bytes"
	"time"

	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/internal/fault"
	"github.com/signalsfoundry/vbus-simulator/internal/vbus"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// history is a fixed-size ring of the most recent records.
type history struct {
	buf   []model.Record
	start int
	n     int
	total uint64
}

func newHistory(size int) *history {
	return &history{buf: make([]model.Record, size)}
}

func (h *history) add(r model.Record) {
	h.total++
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = r
		h.n++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// each visits records oldest first until fn returns false.
func (h *history) each(fn func(model.Record) bool) {
	for i := 0; i < h.n; i++ {
		if !fn(h.buf[(h.start+i)%len(h.buf)]) {
			return
		}
	}
}

func (h *history) reset() {
	clear(h.buf)
	h.start, h.n, h.total = 0, 0, 0
}

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	Bus       *model.BusType
	MessageID *uint32
	Sender    string
	// From and To bound the frame timestamp as [From, To); a zero To is
	// unbounded.
	From, To time.Duration
	// Contains matches frames whose payload contains the byte sequence.
	Contains []byte
	// Signal matches frames that decoded a signal of this name.
	Signal      string
	InvalidOnly bool
	// Limit caps the result, keeping the most recent matches.
	Limit int
}

// Match reports whether r passes the filter.
func (f Filter) Match(r model.Record) bool {
	fr := r.Frame
	switch {
	case f.Bus != nil && fr.Bus != *f.Bus:
		return false
	case f.MessageID != nil && fr.ID != *f.MessageID:
		return false
	case f.Sender != "" && fr.Sender != f.Sender:
		return false
	case fr.Timestamp < f.From:
		return false
	case f.To > 0 && fr.Timestamp >= f.To:
		return false
	case f.InvalidOnly && r.Valid:
		return false
	case len(f.Contains) > 0 && !bytes.Contains(fr.Data, f.Contains):
		return false
	}
	if f.Signal != "" {
		if _, ok := r.Signals[f.Signal]; !ok {
			return false
		}
	}
	return true
}

// Query returns copies of the retained records matching f, oldest first.
func (e *Engine) Query(f Filter) []model.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Record
	e.history.each(func(r model.Record) bool {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
		return true
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Snapshot is a consistent copy of the engine state between ticks.
type Snapshot struct {
	Now     time.Duration
	Stopped bool
	Nodes   []model.Node
	Buses   []vbus.BusState
	Faults  []fault.Active
	// Records holds the retained history, oldest first. RecordsTotal
	// counts every record produced, including evicted ones.
	Records      []model.Record
	RecordsTotal uint64
	Verdicts     []model.Verdict
	Report       evaluator.Report
	Signals      []model.SignalDefinition
	Dropped      uint64
}

// Snapshot returns a copy of the current state. It never observes a
// half-processed tick.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Now:          e.clock.Now(),
		Stopped:      e.stopped,
		Nodes:        e.registry.List(),
		Faults:       e.faults.Active(),
		Records:      make([]model.Record, 0, e.history.n),
		RecordsTotal: e.history.total,
		Verdicts:     e.eval.Verdicts(),
		Report:       e.eval.Report(),
		Dropped:      e.dropped.Load(),
	}
	for _, t := range e.busOrder {
		s.Buses = append(s.Buses, e.buses[t].State())
	}
	e.history.each(func(r model.Record) bool {
		s.Records = append(s.Records, r.Clone())
		return true
	})
	if e.db != nil {
		s.Signals = e.db.Definitions()
	}
	return s
}
