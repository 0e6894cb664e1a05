package model

import (
	"fmt"
	"strings"
)

// FaultType names a fault injection mechanism.
type FaultType string

const (
	FaultBitError              FaultType = "bit_error"
	FaultBusOff                FaultType = "bus_off"
	FaultRecessiveDominantFlip FaultType = "recessive_dominant_flip"
	FaultTimeout               FaultType = "timeout"
)

// MaxBitPosition is the highest data bit addressable in an 8-byte payload.
const MaxBitPosition = 63

// ParseFaultType accepts the snake_case names as well as the CamelCase
// forms used in test scripts ("BitError", "BusOff", ...).
func ParseFaultType(s string) (FaultType, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	switch norm {
	case "biterror":
		return FaultBitError, nil
	case "busoff":
		return FaultBusOff, nil
	case "recessivedominantflip":
		return FaultRecessiveDominantFlip, nil
	case "timeout":
		return FaultTimeout, nil
	default:
		return "", fmt.Errorf("%w: unknown fault type %q", ErrConfig, s)
	}
}

// FaultSpec describes one fault to inject. Nil targets match any frame.
type FaultSpec struct {
	Type            FaultType `yaml:"type" json:"type"`
	TargetMessageID *uint32   `yaml:"targetMessageId,omitempty" json:"targetMessageId,omitempty"`
	TargetNodeID    string    `yaml:"targetNodeId,omitempty" json:"targetNodeId,omitempty"`
	BitPosition     *int      `yaml:"bitPosition,omitempty" json:"bitPosition,omitempty"`
	DurationMs      int       `yaml:"durationMs,omitempty" json:"durationMs,omitempty"`
}

// Validate rejects specs the injector could never apply.
func (s FaultSpec) Validate() error {
	if _, err := ParseFaultType(string(s.Type)); err != nil {
		return err
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("%w: fault %s duration %dms is negative", ErrConfig, s.Type, s.DurationMs)
	}
	if s.BitPosition != nil {
		p := *s.BitPosition
		if p < 0 || p > MaxBitPosition {
			return fmt.Errorf("%w: fault %s bit position %d outside 0..%d", ErrConfig, s.Type, p, MaxBitPosition)
		}
	}
	if s.TargetMessageID != nil && *s.TargetMessageID > MaxExtendedID {
		return fmt.Errorf("%w: fault %s target id 0x%X exceeds 29 bits", ErrConfig, s.Type, *s.TargetMessageID)
	}
	switch s.Type {
	case FaultBitError:
		if s.BitPosition == nil {
			return fmt.Errorf("%w: bit_error requires a bit position", ErrConfig)
		}
	case FaultBusOff:
		if s.TargetNodeID == "" && s.TargetMessageID == nil {
			return fmt.Errorf("%w: bus_off requires a target node or message", ErrConfig)
		}
	case FaultTimeout:
		if s.DurationMs == 0 {
			return fmt.Errorf("%w: timeout requires a duration", ErrConfig)
		}
	}
	return nil
}

// Matches reports whether f is selected by the fault's targets.
func (s FaultSpec) Matches(f Frame) bool {
	if s.TargetMessageID != nil && *s.TargetMessageID != f.ID {
		return false
	}
	if s.TargetNodeID != "" && s.TargetNodeID != f.Sender {
		return false
	}
	return true
}

// OneShot reports whether the fault is consumed by its first application.
func (s FaultSpec) OneShot() bool {
	return s.DurationMs == 0
}

// Clone copies the pointer targets.
func (s FaultSpec) Clone() FaultSpec {
	cp := s
	if s.TargetMessageID != nil {
		id := *s.TargetMessageID
		cp.TargetMessageID = &id
	}
	if s.BitPosition != nil {
		p := *s.BitPosition
		cp.BitPosition = &p
	}
	return cp
}

func (s FaultSpec) String() string {
	var b strings.Builder
	b.WriteString(string(s.Type))
	if s.TargetMessageID != nil {
		fmt.Fprintf(&b, " id=0x%X", *s.TargetMessageID)
	}
	if s.TargetNodeID != "" {
		fmt.Fprintf(&b, " node=%s", s.TargetNodeID)
	}
	if s.BitPosition != nil {
		fmt.Fprintf(&b, " bit=%d", *s.BitPosition)
	}
	if s.DurationMs > 0 {
		fmt.Fprintf(&b, " duration=%dms", s.DurationMs)
	}
	return b.String()
}
