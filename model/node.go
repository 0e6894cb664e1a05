package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NodeStatus is the operator-visible lifecycle state of a simulated ECU.
type NodeStatus string

const (
	NodeStopped    NodeStatus = "Stopped"
	NodeRunning    NodeStatus = "Running"
	NodeSimulating NodeStatus = "Simulating"
	NodeError      NodeStatus = "Error"
)

// NodeType is a free-form ECU category.
type NodeType string

const (
	NodeTypeEngineECU  NodeType = "Engine ECU"
	NodeTypeBrakeECU   NodeType = "Brake ECU"
	NodeTypeSensorNode NodeType = "Sensor Node"
	NodeTypeGateway    NodeType = "Gateway"
	NodeTypeCustom     NodeType = "Custom"
)

// legal status transitions; Error is left only through an explicit reset.
var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeStopped:    {NodeRunning, NodeSimulating},
	NodeRunning:    {NodeStopped, NodeSimulating, NodeError},
	NodeSimulating: {NodeStopped, NodeRunning, NodeError},
	NodeError:      {NodeStopped},
}

// ParseNodeStatus accepts the status names in any case.
func ParseNodeStatus(s string) (NodeStatus, error) {
	for _, st := range []NodeStatus{NodeStopped, NodeRunning, NodeSimulating, NodeError} {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown node status %q", ErrConfig, s)
}

// Transmitting reports whether nodes in this status emit scheduled frames.
func (s NodeStatus) Transmitting() bool {
	return s == NodeRunning || s == NodeSimulating
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to NodeStatus) bool {
	for _, next := range nodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TxEntry is one periodic transmission of a node.
//
// DataPattern tokens that parse as a hex byte are sent literally; any other
// token ("XX", "S1", ...) is a placeholder filled at emission time.
type TxEntry struct {
	MessageID   uint32
	Extended    bool
	IntervalMs  int
	JitterMs    int
	DataPattern []string
}

// Validate checks the entry against the bus it will be sent on.
func (e TxEntry) Validate(bus BusType) error {
	if e.IntervalMs <= 0 {
		return fmt.Errorf("%w: message %s interval %dms must be positive", ErrConfig, FormatID(bus, e.MessageID, e.Extended), e.IntervalMs)
	}
	if e.JitterMs < 0 || e.JitterMs >= e.IntervalMs {
		return fmt.Errorf("%w: message %s jitter %dms must be in [0, interval)", ErrConfig, FormatID(bus, e.MessageID, e.Extended), e.JitterMs)
	}
	if len(e.DataPattern) > MaxDataLen {
		return fmt.Errorf("%w: message %s pattern has %d bytes, max %d", ErrConfig, FormatID(bus, e.MessageID, e.Extended), len(e.DataPattern), MaxDataLen)
	}
	if bus == BusLIN && e.Extended {
		return fmt.Errorf("%w: LIN message 0x%02X cannot be extended", ErrConfig, e.MessageID)
	}
	if limit := bus.MaxID(e.Extended); e.MessageID > limit {
		return fmt.Errorf("%w: message id 0x%X exceeds %s limit 0x%X", ErrConfig, e.MessageID, bus, limit)
	}
	return nil
}

// PatternByte reports whether token i of the pattern is a literal byte.
func PatternByte(token string) (byte, bool) {
	t := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(token), "0x"), "0X")
	if len(t) != 2 {
		return 0, false
	}
	b, err := hex.DecodeString(t)
	if err != nil {
		return 0, false
	}
	return b[0], true
}

// Node is a simulated ECU attached to one bus.
type Node struct {
	ID         string
	Name       string
	Type       NodeType
	Bus        BusType
	Status     NodeStatus
	TxSchedule []TxEntry
}

// Validate checks identity and every schedule entry.
func (n Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: node id is empty", ErrConfig)
	}
	if n.Status == "" {
		return fmt.Errorf("%w: node %q has no status", ErrConfig, n.ID)
	}
	if _, err := ParseNodeStatus(string(n.Status)); err != nil {
		return fmt.Errorf("node %q: %w", n.ID, err)
	}
	seen := make(map[uint32]struct{}, len(n.TxSchedule))
	for i, e := range n.TxSchedule {
		if err := e.Validate(n.Bus); err != nil {
			return fmt.Errorf("node %q tx[%d]: %w", n.ID, i, err)
		}
		if _, dup := seen[e.MessageID]; dup {
			return fmt.Errorf("%w: node %q schedules message 0x%X twice", ErrConfig, n.ID, e.MessageID)
		}
		seen[e.MessageID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (n Node) Clone() Node {
	cp := n
	cp.TxSchedule = make([]TxEntry, len(n.TxSchedule))
	for i, e := range n.TxSchedule {
		e.DataPattern = append([]string(nil), e.DataPattern...)
		cp.TxSchedule[i] = e
	}
	return cp
}
