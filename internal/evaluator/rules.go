// Package evaluator checks the live frame stream against timing, presence
// and status rules and produces PASS/FAIL verdicts. It only observes; it
// never touches bus or node state.
package evaluator

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/vbus-simulator/internal/vbus"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// ErrConfig is returned for rules that can never be evaluated.
var ErrConfig = model.ErrConfig

// Kind names a rule type.
type Kind string

const (
	KindIntervalTolerance Kind = "message_interval_tolerance"
	KindPresence          Kind = "message_presence"
	KindAbsence           Kind = "message_absence"
	KindNodeStatus        Kind = "node_status_expectation"
	KindChecksum          Kind = "checksum_validity"
)

// Rule is one check. Which fields matter depends on Kind.
type Rule struct {
	ID   string `yaml:"id" json:"id"`
	Kind Kind   `yaml:"kind" json:"kind"`
	// Case groups rules of one scripted test case.
	Case string `yaml:"case,omitempty" json:"case,omitempty"`

	MessageID *uint32 `yaml:"messageId,omitempty" json:"messageId,omitempty"`
	// Bus qualifies MessageID; the zero value is CAN.
	Bus model.BusType `yaml:"bus,omitempty" json:"bus,omitempty"`
	// Sender restricts message rules to frames from one node.
	Sender string `yaml:"sender,omitempty" json:"sender,omitempty"`

	ExpectedMs  int `yaml:"expectedMs,omitempty" json:"expectedMs,omitempty"`
	ToleranceMs int `yaml:"toleranceMs,omitempty" json:"toleranceMs,omitempty"`
	// WithinMs bounds presence and status rules. Zero means any time
	// before the run is finalized.
	WithinMs int `yaml:"withinMs,omitempty" json:"withinMs,omitempty"`
	ForMs    int `yaml:"forMs,omitempty" json:"forMs,omitempty"`

	Node   string `yaml:"node,omitempty" json:"node,omitempty"`
	Status string `yaml:"status,omitempty" json:"status,omitempty"`
}

// MessageIntervalTolerance fails when consecutive frames of id are further
// than toleranceMs from expectedMs apart.
func MessageIntervalTolerance(id uint32, expectedMs, toleranceMs int) Rule {
	return Rule{Kind: KindIntervalTolerance, MessageID: &id, ExpectedMs: expectedMs, ToleranceMs: toleranceMs}
}

// MessagePresence fails when no frame of id is seen within withinMs.
func MessagePresence(id uint32, withinMs int) Rule {
	return Rule{Kind: KindPresence, MessageID: &id, WithinMs: withinMs}
}

// MessageAbsence fails when a frame of id is seen during the next forMs.
func MessageAbsence(id uint32, forMs int) Rule {
	return Rule{Kind: KindAbsence, MessageID: &id, ForMs: forMs}
}

// NodeStatusExpectation fails unless node reports status within withinMs.
// status is a node status or a bus controller state such as BusOff.
func NodeStatusExpectation(node, status string, withinMs int) Rule {
	return Rule{Kind: KindNodeStatus, Node: node, Status: status, WithinMs: withinMs}
}

// ChecksumValidity fails on the first invalid frame. A nil id checks every
// frame.
func ChecksumValidity(id *uint32) Rule {
	return Rule{Kind: KindChecksum, MessageID: id}
}

// FromNode restricts a message rule to frames sent by node.
func (r Rule) FromNode(node string) Rule {
	r.Sender = node
	return r
}

// OnBus moves a message rule to the given bus.
func (r Rule) OnBus(bus model.BusType) Rule {
	r.Bus = bus
	return r
}

// Validate reports whether r is well formed.
func (r Rule) Validate() error {
	if r.MessageID != nil {
		if r.Bus != model.BusCAN && r.Bus != model.BusLIN {
			return fmt.Errorf("%w: unknown bus %s", ErrConfig, r.Bus)
		}
		if *r.MessageID > r.Bus.MaxID(true) {
			return fmt.Errorf("%w: message id 0x%X out of range for %s", ErrConfig, *r.MessageID, r.Bus)
		}
	}
	switch r.Kind {
	case KindIntervalTolerance:
		if r.MessageID == nil {
			return fmt.Errorf("%w: %s needs a message id", ErrConfig, r.Kind)
		}
		if r.ExpectedMs <= 0 || r.ToleranceMs < 0 {
			return fmt.Errorf("%w: %s needs expected > 0 and tolerance >= 0", ErrConfig, r.Kind)
		}
	case KindPresence:
		if r.MessageID == nil {
			return fmt.Errorf("%w: %s needs a message id", ErrConfig, r.Kind)
		}
		if r.WithinMs < 0 {
			return fmt.Errorf("%w: negative window", ErrConfig)
		}
	case KindAbsence:
		if r.MessageID == nil {
			return fmt.Errorf("%w: %s needs a message id", ErrConfig, r.Kind)
		}
		if r.ForMs <= 0 {
			return fmt.Errorf("%w: %s needs a positive window", ErrConfig, r.Kind)
		}
	case KindNodeStatus:
		if r.Node == "" {
			return fmt.Errorf("%w: %s needs a node", ErrConfig, r.Kind)
		}
		if _, ok := normalizeStatus(r.Status); !ok {
			return fmt.Errorf("%w: unknown status %q", ErrConfig, r.Status)
		}
		if r.WithinMs < 0 {
			return fmt.Errorf("%w: negative window", ErrConfig)
		}
	case KindChecksum:
	default:
		return fmt.Errorf("%w: unknown rule kind %q", ErrConfig, r.Kind)
	}
	return nil
}

// String renders r the way verdicts name it.
func (r Rule) String() string {
	var b strings.Builder
	switch r.Kind {
	case KindIntervalTolerance:
		fmt.Fprintf(&b, "MessageIntervalTolerance(%s, %dms, ±%dms)", r.message(), r.ExpectedMs, r.ToleranceMs)
	case KindPresence:
		fmt.Fprintf(&b, "MessagePresence(%s, %dms)", r.message(), r.WithinMs)
	case KindAbsence:
		fmt.Fprintf(&b, "MessageAbsence(%s, %dms)", r.message(), r.ForMs)
	case KindNodeStatus:
		fmt.Fprintf(&b, "NodeStatusExpectation(%s, %s, %dms)", r.Node, r.Status, r.WithinMs)
	case KindChecksum:
		fmt.Fprintf(&b, "ChecksumValidity(%s)", r.message())
	default:
		b.WriteString(string(r.Kind))
	}
	if r.Sender != "" {
		fmt.Fprintf(&b, " from %s", r.Sender)
	}
	return b.String()
}

func (r Rule) matches(f model.Frame) bool {
	if r.MessageID != nil && (f.ID != *r.MessageID || f.Bus != r.Bus) {
		return false
	}
	return r.Sender == "" || r.Sender == f.Sender
}

// message names the rule's message; LIN ids carry a bus prefix.
func (r Rule) message() string {
	switch {
	case r.MessageID == nil:
		return "*"
	case r.Bus == model.BusLIN:
		return fmt.Sprintf("LIN 0x%02X", *r.MessageID)
	default:
		return fmt.Sprintf("0x%03X", *r.MessageID)
	}
}

// normalizeStatus maps node statuses and controller states to one
// canonical spelling.
func normalizeStatus(s string) (string, bool) {
	if st, err := model.ParseNodeStatus(s); err == nil {
		return string(st), true
	}
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for _, cs := range []vbus.ControllerState{vbus.ErrorActive, vbus.ErrorPassive, vbus.BusOff} {
		if strings.ToLower(cs.String()) == key {
			return cs.String(), true
		}
	}
	return "", false
}
