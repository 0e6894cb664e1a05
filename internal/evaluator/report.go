package evaluator

import "github.com/signalsfoundry/vbus-simulator/model"

// CaseResult summarizes the rules of one scripted test case.
type CaseResult struct {
	Name    string `json:"name"`
	Rules   int    `json:"rules"`
	Failed  int    `json:"failed"`
	Pending int    `json:"pending"`
	Pass    bool   `json:"pass"`
}

// Report is the outcome of a run.
type Report struct {
	Summary struct {
		Total   int  `json:"total"`
		Passed  int  `json:"passed"`
		Failed  int  `json:"failed"`
		Pending int  `json:"pending"`
		Pass    bool `json:"pass"`
	} `json:"summary"`
	Cases    []CaseResult    `json:"cases,omitempty"`
	Verdicts []model.Verdict `json:"verdicts"`
}

// Report builds a summary of the current verdicts. A run passes when no
// rule failed and none is still open.
func (e *Evaluator) Report() Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rep Report
	rep.Verdicts = append([]model.Verdict{}, e.verdicts...)
	result := make(map[string]model.VerdictResult, len(e.verdicts))
	for _, v := range e.verdicts {
		result[v.RuleID] = v.Result
	}

	caseIdx := make(map[string]int)
	for _, st := range e.rules {
		rep.Summary.Total++
		res, ok := result[st.rule.ID]
		switch {
		case !ok:
			rep.Summary.Pending++
		case res == model.Pass:
			rep.Summary.Passed++
		default:
			rep.Summary.Failed++
		}

		if st.rule.Case == "" {
			continue
		}
		i, seen := caseIdx[st.rule.Case]
		if !seen {
			i = len(rep.Cases)
			caseIdx[st.rule.Case] = i
			rep.Cases = append(rep.Cases, CaseResult{Name: st.rule.Case})
		}
		c := &rep.Cases[i]
		c.Rules++
		if !ok {
			c.Pending++
		} else if res == model.Fail {
			c.Failed++
		}
	}
	for i := range rep.Cases {
		rep.Cases[i].Pass = rep.Cases[i].Failed == 0 && rep.Cases[i].Pending == 0
	}
	rep.Summary.Pass = rep.Summary.Failed == 0 && rep.Summary.Pending == 0
	return rep
}
