package evaluator

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/vbus-simulator/model"
)

type ruleState struct {
	rule  Rule
	start time.Duration
	done  bool

	last    time.Duration
	samples int
	checked int
}

// Evaluator holds the rules of one run and their progress. Rules resolve
// as soon as the stream decides them; the rest resolve in Finalize.
type Evaluator struct {
	mu       sync.Mutex
	now      time.Duration
	rules    []*ruleState
	ids      map[string]bool
	verdicts []model.Verdict

	nodeStatus map[string]string
	ctrlState  map[string]string
}

// New returns an empty Evaluator at time zero.
func New() *Evaluator {
	return &Evaluator{
		ids:        make(map[string]bool),
		nodeStatus: make(map[string]string),
		ctrlState:  make(map[string]string),
	}
}

// Add registers r. Its window starts at the evaluator's current time. A
// status rule already satisfied by the last observed status passes
// immediately; that verdict is returned.
func (e *Evaluator) Add(r Rule) ([]model.Verdict, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.ID == "" {
		r.ID = fmt.Sprintf("rule-%d", len(e.rules)+1)
	}
	if e.ids[r.ID] {
		return nil, fmt.Errorf("%w: duplicate rule id %q", ErrConfig, r.ID)
	}
	if r.Kind == KindNodeStatus {
		r.Status, _ = normalizeStatus(r.Status)
	}
	e.ids[r.ID] = true
	st := &ruleState{rule: r, start: e.now}
	e.rules = append(e.rules, st)

	var out []model.Verdict
	if r.Kind == KindNodeStatus && e.statusMatchesLocked(r) {
		out = append(out, e.resolveLocked(st, model.Pass, e.now, "node %s is %s", r.Node, r.Status))
	}
	return out, nil
}

// Rules returns the registered rules in insertion order.
func (e *Evaluator) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	for i, st := range e.rules {
		out[i] = st.rule
	}
	return out
}

// ObserveRecord feeds one stream entry and returns verdicts it decided.
func (e *Evaluator) ObserveRecord(rec model.Record) []model.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := rec.Frame.Timestamp
	var out []model.Verdict
	for _, st := range e.rules {
		if st.done || !st.rule.matches(rec.Frame) || t < st.start {
			continue
		}
		r := st.rule
		switch r.Kind {
		case KindChecksum:
			st.checked++
			if !rec.Valid {
				out = append(out, e.resolveLocked(st, model.Fail, t, "invalid frame %s from %s at %s: %s",
					rec.Frame.IDString(), rec.Frame.Sender, ms(t), rec.Error))
			}
		case KindIntervalTolerance:
			if !rec.Valid {
				continue
			}
			st.samples++
			if st.samples > 1 {
				gap := t - st.last
				want := time.Duration(r.ExpectedMs) * time.Millisecond
				tol := time.Duration(r.ToleranceMs) * time.Millisecond
				if gap < want-tol || gap > want+tol {
					out = append(out, e.resolveLocked(st, model.Fail, t, "interval %s between frames at %s and %s outside %dms ±%dms",
						ms(gap), ms(st.last), ms(t), r.ExpectedMs, r.ToleranceMs))
				}
			}
			st.last = t
		case KindPresence:
			if !rec.Valid {
				continue
			}
			if r.WithinMs == 0 || t <= st.start+window(r.WithinMs) {
				out = append(out, e.resolveLocked(st, model.Pass, t, "%s seen at %s", rec.Frame.IDString(), ms(t)))
			}
		case KindAbsence:
			if t < st.start+window(r.ForMs) {
				out = append(out, e.resolveLocked(st, model.Fail, t, "%s seen at %s, expected silence until %s",
					rec.Frame.IDString(), ms(t), ms(st.start+window(r.ForMs))))
			}
		}
	}
	return out
}

// ObserveNodeStatus records a node lifecycle status change.
func (e *Evaluator) ObserveNodeStatus(node string, status model.NodeStatus, at time.Duration) []model.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeStatus[node] = string(status)
	return e.checkStatusLocked(node, at)
}

// ObserveControllerState records a bus controller state change such as a
// transition to BusOff.
func (e *Evaluator) ObserveControllerState(node, state string, at time.Duration) []model.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctrlState[node] = state
	return e.checkStatusLocked(node, at)
}

// Advance moves the evaluator clock to now, the end of a completed tick.
// Every frame before now must already have been observed.
func (e *Evaluator) Advance(now time.Duration) []model.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	var out []model.Verdict
	for _, st := range e.rules {
		if st.done {
			continue
		}
		r := st.rule
		switch r.Kind {
		case KindPresence:
			if r.WithinMs > 0 && now > st.start+window(r.WithinMs) {
				out = append(out, e.resolveLocked(st, model.Fail, st.start+window(r.WithinMs),
					"%s not seen within %dms", r.message(), r.WithinMs))
			}
		case KindNodeStatus:
			if r.WithinMs > 0 && now > st.start+window(r.WithinMs) {
				out = append(out, e.resolveLocked(st, model.Fail, st.start+window(r.WithinMs),
					"node %s not %s within %dms (last %s)", r.Node, r.Status, r.WithinMs, e.lastStatusLocked(r.Node)))
			}
		case KindAbsence:
			if end := st.start + window(r.ForMs); now >= end {
				out = append(out, e.resolveLocked(st, model.Pass, end, "%s silent for %dms", r.message(), r.ForMs))
			}
		}
	}
	return out
}

// Finalize resolves every open rule at now and returns those verdicts.
func (e *Evaluator) Finalize(now time.Duration) []model.Verdict {
	out := e.Advance(now)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		if st.done {
			continue
		}
		r := st.rule
		switch r.Kind {
		case KindIntervalTolerance:
			if st.samples < 2 {
				out = append(out, e.resolveLocked(st, model.Fail, now, "only %d frame(s) of %s observed, need at least 2",
					st.samples, r.message()))
			} else {
				out = append(out, e.resolveLocked(st, model.Pass, now, "%d intervals within %dms ±%dms",
					st.samples-1, r.ExpectedMs, r.ToleranceMs))
			}
		case KindPresence:
			out = append(out, e.resolveLocked(st, model.Fail, now, "%s never seen", r.message()))
		case KindNodeStatus:
			out = append(out, e.resolveLocked(st, model.Fail, now, "node %s never %s (last %s)",
				r.Node, r.Status, e.lastStatusLocked(r.Node)))
		case KindAbsence:
			out = append(out, e.resolveLocked(st, model.Fail, now, "run ended at %s before the %dms window closed",
				ms(now), r.ForMs))
		case KindChecksum:
			out = append(out, e.resolveLocked(st, model.Pass, now, "%d frame(s) valid", st.checked))
		}
	}
	return out
}

// Verdicts returns every verdict reached so far in the order reached.
func (e *Evaluator) Verdicts() []model.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Verdict(nil), e.verdicts...)
}

// Reset drops all rules, verdicts and observed statuses.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = 0
	e.rules = nil
	e.verdicts = nil
	e.ids = make(map[string]bool)
	e.nodeStatus = make(map[string]string)
	e.ctrlState = make(map[string]string)
}

func (e *Evaluator) checkStatusLocked(node string, at time.Duration) []model.Verdict {
	var out []model.Verdict
	for _, st := range e.rules {
		r := st.rule
		if st.done || r.Kind != KindNodeStatus || r.Node != node || !e.statusMatchesLocked(r) {
			continue
		}
		if r.WithinMs > 0 && at > st.start+window(r.WithinMs) {
			continue
		}
		out = append(out, e.resolveLocked(st, model.Pass, at, "node %s became %s at %s", node, r.Status, ms(at)))
	}
	return out
}

func (e *Evaluator) statusMatchesLocked(r Rule) bool {
	return e.nodeStatus[r.Node] == r.Status || e.ctrlState[r.Node] == r.Status
}

func (e *Evaluator) lastStatusLocked(node string) string {
	s := e.nodeStatus[node]
	if s == "" {
		s = "unknown"
	}
	if c := e.ctrlState[node]; c != "" {
		s += "/" + c
	}
	return s
}

func (e *Evaluator) resolveLocked(st *ruleState, res model.VerdictResult, at time.Duration, format string, args ...any) model.Verdict {
	st.done = true
	v := model.Verdict{
		RuleID: st.rule.ID,
		Rule:   st.rule.String(),
		Result: res,
		Reason: fmt.Sprintf(format, args...),
		At:     at,
	}
	e.verdicts = append(e.verdicts, v)
	return v
}

func window(msec int) time.Duration { return time.Duration(msec) * time.Millisecond }

// ms formats d in milliseconds without trailing zeros.
func ms(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64) + "ms"
}
