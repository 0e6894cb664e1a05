package model

import "time"

// Record is a frame annotated with codec and decoder results as it appears
// in the output stream. Invalid frames are kept so timing analysis still
// sees them.
type Record struct {
	Frame       Frame
	Valid       bool
	Error       string
	Signals     map[string]SignalValue
	DecodeError string
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	cp := r
	cp.Frame = r.Frame.Clone()
	if r.Signals != nil {
		cp.Signals = make(map[string]SignalValue, len(r.Signals))
		for k, v := range r.Signals {
			cp.Signals[k] = v
		}
	}
	return cp
}

// VerdictResult is the outcome of one evaluator rule.
type VerdictResult string

const (
	Pass VerdictResult = "PASS"
	Fail VerdictResult = "FAIL"
)

// Verdict is produced by the evaluator for one rule.
type Verdict struct {
	RuleID string        `json:"ruleId"`
	Rule   string        `json:"rule"`
	Result VerdictResult `json:"result"`
	Reason string        `json:"reason"`
	// At is the simulation time the verdict was reached.
	At time.Duration `json:"atNs"`
}

// Passed reports whether the verdict is PASS.
func (v Verdict) Passed() bool { return v.Result == Pass }
