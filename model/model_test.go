package model

import (
	"errors"
	"testing"
)

func TestFrameValidate(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"standard", NewFrame(BusCAN, 0x1A0, []byte{1, 2, 3}), true},
		{"extended", NewFrame(BusCAN, 0x18FEF100, []byte{1}), true},
		{"empty payload", NewFrame(BusCAN, 0x100, nil), true},
		{"lin", NewFrame(BusLIN, 0x3C, make([]byte, 8)), true},
		{"dlc mismatch", Frame{Bus: BusCAN, ID: 0x10, DLC: 3, Data: []byte{1}}, false},
		{"dlc too large", Frame{Bus: BusCAN, ID: 0x10, DLC: 9, Data: make([]byte, 9)}, false},
		{"standard id too wide", Frame{Bus: BusCAN, ID: 0x800, DLC: 0}, false},
		{"extended id too wide", Frame{Bus: BusCAN, ID: 0x20000000, Extended: true}, false},
		{"lin id too wide", Frame{Bus: BusLIN, ID: 0x40}, false},
		{"lin extended", Frame{Bus: BusLIN, ID: 0x01, Extended: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.frame.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("Validate() = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestFrameIDString(t *testing.T) {
	if got := NewFrame(BusCAN, 0x1A0, nil).IDString(); got != "0x1A0" {
		t.Fatalf("standard IDString = %q", got)
	}
	if got := NewFrame(BusCAN, 0x1A0, nil); got.Extended {
		t.Fatalf("0x1A0 should not be extended")
	}
	f := Frame{Bus: BusCAN, ID: 0x1A0, Extended: true}
	if got := f.IDString(); got != "0x000001A0" {
		t.Fatalf("extended IDString = %q", got)
	}
	if got := NewFrame(BusLIN, 0x3C, nil).IDString(); got != "0x3C" {
		t.Fatalf("lin IDString = %q", got)
	}
}

func TestFrameCloneIsDeep(t *testing.T) {
	f := NewFrame(BusCAN, 0x10, []byte{0xAA})
	cp := f.Clone()
	cp.Data[0] = 0x55
	if f.Data[0] != 0xAA {
		t.Fatalf("Clone shares data with original")
	}
}

func TestNodeStatusTransitions(t *testing.T) {
	legal := [][2]NodeStatus{
		{NodeStopped, NodeRunning},
		{NodeStopped, NodeSimulating},
		{NodeRunning, NodeStopped},
		{NodeRunning, NodeError},
		{NodeSimulating, NodeRunning},
		{NodeError, NodeStopped},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]NodeStatus{
		{NodeStopped, NodeError},
		{NodeError, NodeRunning},
		{NodeError, NodeSimulating},
		{NodeRunning, NodeRunning},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestNodeValidate(t *testing.T) {
	n := Node{
		ID:     "engine",
		Bus:    BusCAN,
		Status: NodeStopped,
		TxSchedule: []TxEntry{
			{MessageID: 0x1A0, IntervalMs: 100, JitterMs: 5, DataPattern: []string{"01", "XX"}},
		},
	}
	if err := n.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	bad := n.Clone()
	bad.TxSchedule[0].IntervalMs = 0
	if err := bad.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("zero interval: got %v, want ErrConfig", err)
	}

	bad = n.Clone()
	bad.TxSchedule = append(bad.TxSchedule, bad.TxSchedule[0])
	if err := bad.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("duplicate message: got %v, want ErrConfig", err)
	}

	bad = n.Clone()
	bad.Bus = BusLIN
	if err := bad.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("lin id too wide: got %v, want ErrConfig", err)
	}
}

func TestPatternByte(t *testing.T) {
	if b, ok := PatternByte("AB"); !ok || b != 0xAB {
		t.Fatalf("PatternByte(AB) = %x, %v", b, ok)
	}
	if b, ok := PatternByte("0x0f"); !ok || b != 0x0F {
		t.Fatalf("PatternByte(0x0f) = %x, %v", b, ok)
	}
	for _, tok := range []string{"XX", "S1", "YY", "123", ""} {
		if _, ok := PatternByte(tok); ok {
			t.Fatalf("PatternByte(%q) should be a placeholder", tok)
		}
	}
}

func TestFaultSpecValidate(t *testing.T) {
	id := uint32(0x1A0)
	pos := 3
	bad := 64

	valid := []FaultSpec{
		{Type: FaultBitError, BitPosition: &pos},
		{Type: FaultBusOff, TargetNodeID: "engine"},
		{Type: FaultRecessiveDominantFlip, TargetMessageID: &id},
		{Type: FaultTimeout, TargetMessageID: &id, DurationMs: 500},
	}
	for _, s := range valid {
		if err := s.Validate(); err != nil {
			t.Fatalf("%s: Validate() = %v", s, err)
		}
	}

	invalid := []FaultSpec{
		{Type: "melt"},
		{Type: FaultBitError},
		{Type: FaultBitError, BitPosition: &bad},
		{Type: FaultBusOff},
		{Type: FaultTimeout, TargetMessageID: &id},
		{Type: FaultTimeout, DurationMs: -1},
	}
	for _, s := range invalid {
		if err := s.Validate(); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: Validate() = %v, want ErrConfig", s, err)
		}
	}
}

func TestParseFaultType(t *testing.T) {
	cases := map[string]FaultType{
		"bit_error":             FaultBitError,
		"BitError":              FaultBitError,
		"BUS_OFF":               FaultBusOff,
		"RecessiveDominantFlip": FaultRecessiveDominantFlip,
		"timeout":               FaultTimeout,
	}
	for in, want := range cases {
		got, err := ParseFaultType(in)
		if err != nil || got != want {
			t.Fatalf("ParseFaultType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestFaultSpecMatches(t *testing.T) {
	id := uint32(0x1A0)
	s := FaultSpec{Type: FaultTimeout, TargetMessageID: &id, TargetNodeID: "engine", DurationMs: 10}
	f := NewFrame(BusCAN, 0x1A0, nil)
	f.Sender = "engine"
	if !s.Matches(f) {
		t.Fatalf("expected match")
	}
	f.Sender = "brake"
	if s.Matches(f) {
		t.Fatalf("expected sender mismatch")
	}
	if !(FaultSpec{Type: FaultTimeout, DurationMs: 1}).Matches(f) {
		t.Fatalf("untargeted fault should match any frame")
	}
}
