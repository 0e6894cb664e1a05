package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/model"
	"github.com/signalsfoundry/vbus-simulator/timectrl"
)

func u32(v uint32) *uint32 { return &v }
func intp(v int) *int      { return &v }

func ecuNode(id, name string, status model.NodeStatus, msg uint32, intervalMs int, pattern ...string) model.Node {
	return model.Node{
		ID:     id,
		Name:   name,
		Type:   model.NodeTypeCustom,
		Bus:    model.BusCAN,
		Status: status,
		TxSchedule: []model.TxEntry{
			{MessageID: msg, IntervalMs: intervalMs, DataPattern: pattern},
		},
	}
}

func newEngine(t *testing.T, cfg Config, nodes ...model.Node) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, n := range nodes {
		if err := e.AddNode(context.Background(), n); err != nil {
			t.Fatalf("AddNode(%s): %v", n.ID, err)
		}
	}
	return e
}

func TestStoppedNodeEmitsNothingAfterStopTick(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{Seed: 1},
		ecuNode("engine", "Engine ECU", model.NodeRunning, 0x1A0, 10, "01", "02"),
		ecuNode("brake", "Brake ECU", model.NodeRunning, 0x2B1, 10, "03"),
	)
	e.Step(50)
	stopAt := e.Now()
	if err := e.StopNode(ctx, "engine"); err != nil {
		t.Fatalf("StopNode: %v", err)
	}
	e.Step(100)

	before := e.Query(Filter{Sender: "engine"})
	if len(before) != 5 {
		t.Fatalf("engine frames = %d, want 5", len(before))
	}
	if late := e.Query(Filter{Sender: "engine", From: stopAt}); len(late) != 0 {
		t.Fatalf("stopped node produced %d frames after %v", len(late), stopAt)
	}
	if brake := e.Query(Filter{Sender: "brake"}); len(brake) != 15 {
		t.Fatalf("brake frames = %d, want 15", len(brake))
	}
}

func TestLowerIdentifierWinsArbitration(t *testing.T) {
	e := newEngine(t, Config{},
		ecuNode("a", "A", model.NodeRunning, 0x200, 100, "01"),
		ecuNode("b", "B", model.NodeRunning, 0x100, 100, "01"),
	)
	e.Step(1)
	recs := e.Query(Filter{})
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Frame.ID != 0x100 || recs[1].Frame.ID != 0x200 {
		t.Fatalf("order = %s, %s", recs[0].Frame.IDString(), recs[1].Frame.IDString())
	}
	bus, _ := e.Bus(model.BusCAN)
	if want := bus.FrameDuration(recs[0].Frame); recs[1].Frame.Timestamp != want {
		t.Fatalf("loser started at %v, want %v", recs[1].Frame.Timestamp, want)
	}
	if !cmp.Equal(recs[1].Frame.Data, []byte{0x01}) {
		t.Fatalf("loser payload modified: % X", recs[1].Frame.Data)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() []model.Record {
		n := ecuNode("sensor", "Sensor", model.NodeSimulating, 0x0F5, 20, "XX", "XX", "7F")
		n.TxSchedule[0].JitterMs = 5
		e := newEngine(t, Config{Seed: 42}, n, ecuNode("engine", "Engine", model.NodeRunning, 0x0F0, 20, "S1"))
		e.Step(500)
		return e.Query(Filter{})
	}
	a, b := run(), run()
	if len(a) == 0 {
		t.Fatalf("no records")
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("replay diverged (-first +second):\n%s", diff)
	}
}

func TestSignalsAreDecoded(t *testing.T) {
	db, err := dbc.New([]model.SignalDefinition{
		{Name: "VehicleSpeed", MessageID: 0x1A0, StartBit: 0, BitLength: 16, Factor: 0.01, Unit: "km/h"},
	})
	if err != nil {
		t.Fatalf("dbc.New: %v", err)
	}
	e := newEngine(t, Config{},
		ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01", "23", "45", "67", "89", "AB", "CD", "EF"),
		ecuNode("other", "Other", model.NodeRunning, 0x300, 10, "00"),
	)
	e.LoadSignalDefinitions(context.Background(), db)
	e.Step(1)

	recs := e.Query(Filter{MessageID: u32(0x1A0)})
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	v, ok := recs[0].Signals["VehicleSpeed"]
	if !ok || math.Abs(v.Value-89.61) > 1e-9 || v.Raw != 8961 {
		t.Fatalf("VehicleSpeed = %+v", v)
	}
	other := e.Query(Filter{MessageID: u32(0x300)})
	if len(other) != 1 || other[0].DecodeError == "" || !other[0].Valid {
		t.Fatalf("unknown message should be valid with a decode annotation: %+v", other)
	}
	if got := e.Query(Filter{Signal: "VehicleSpeed"}); len(got) != 1 {
		t.Fatalf("signal filter matched %d", len(got))
	}
	if got := e.Query(Filter{Contains: []byte{0x89, 0xAB}}); len(got) != 1 {
		t.Fatalf("content filter matched %d", len(got))
	}
}

func TestBitErrorMarksFrameInvalidAndCountsError(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01", "02", "03"))
	if _, err := e.InjectFault(ctx, model.FaultSpec{Type: model.FaultBitError, TargetMessageID: u32(0x1A0), BitPosition: intp(3)}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	e.Step(15)

	recs := e.Query(Filter{})
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Valid || recs[0].Error == "" {
		t.Fatalf("corrupted frame recorded as valid: %+v", recs[0])
	}
	if recs[0].Frame.Data[0] != 0x01^0x08 {
		t.Fatalf("receivers should see bit 3 flipped: % X", recs[0].Frame.Data)
	}
	if !recs[1].Valid {
		t.Fatalf("second frame should be clean")
	}
	bus, _ := e.Bus(model.BusCAN)
	if n, _ := bus.ErrorCounter("engine"); n != 7 {
		t.Fatalf("error counter = %d, want 8 then 7", n)
	}
	if got := e.Query(Filter{InvalidOnly: true}); len(got) != 1 {
		t.Fatalf("invalid filter matched %d", len(got))
	}
}

func TestBusOffFaultRequiresReset(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{}, ecuNode("brake", "Brake ECU", model.NodeRunning, 0x2B1, 10, "01"))
	if _, err := e.InjectFault(ctx, model.FaultSpec{Type: model.FaultBusOff, TargetNodeID: "Brake ECU"}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	e.Step(30)
	if n := len(e.Query(Filter{})); n != 0 {
		t.Fatalf("bus-off node transmitted %d frames", n)
	}
	if n := e.Nodes()[0]; n.Status != model.NodeError {
		t.Fatalf("status = %s, want Error", n.Status)
	}
	if err := e.StartNode(ctx, "brake"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("StartNode in Error = %v", err)
	}

	if err := e.ResetNode(ctx, "brake"); err != nil {
		t.Fatalf("ResetNode: %v", err)
	}
	if err := e.StartNode(ctx, "brake"); err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	e.Step(30)
	if n := len(e.Query(Filter{})); n != 3 {
		t.Fatalf("frames after reset = %d, want 3", n)
	}
}

func TestResetNodeReportsErrorActive(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01"))
	if _, err := e.InjectFault(ctx, model.FaultSpec{Type: model.FaultBusOff, TargetNodeID: "engine"}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	e.Step(5)

	var states []string
	unsub := e.OnEvent(func(ev Event) {
		if ev.Kind == EventControllerState {
			states = append(states, ev.State)
		}
	})
	defer unsub()
	if err := e.ResetNode(ctx, "engine"); err != nil {
		t.Fatalf("ResetNode: %v", err)
	}
	if diff := cmp.Diff([]string{"ErrorActive"}, states); diff != "" {
		t.Fatalf("controller events after reset (-want +got):\n%s", diff)
	}

	if err := e.AddRule(ctx, evaluator.NodeStatusExpectation("engine", "BusOff", 50)); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if rep := e.Report(); rep.Summary.Passed != 0 {
		t.Fatalf("stale BusOff satisfied the rule: %+v", rep.Verdicts)
	}
	e.Step(60)
	if rep := e.Report(); rep.Summary.Failed != 1 {
		t.Fatalf("rule should fail once the window closes: %+v", rep.Verdicts)
	}
}

func TestRecoveryFromErrorPassiveIsReported(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 1, "01"))
	var states []string
	unsub := e.OnEvent(func(ev Event) {
		if ev.Kind == EventControllerState {
			states = append(states, ev.State)
		}
	})
	defer unsub()

	if _, err := e.InjectFault(ctx, model.FaultSpec{Type: model.FaultBitError, TargetMessageID: u32(0x1A0), BitPosition: intp(0), DurationMs: 20}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	e.Step(80)

	bus, _ := e.Bus(model.BusCAN)
	if n, _ := bus.ErrorCounter("engine"); n >= 128 {
		t.Fatalf("error counter = %d, want below 128 after clean frames", n)
	}
	if len(states) < 2 || states[len(states)-2] != "ErrorPassive" || states[len(states)-1] != "ErrorActive" {
		t.Fatalf("controller states = %v, want ErrorPassive then ErrorActive", states)
	}

	if err := e.AddRule(ctx, evaluator.NodeStatusExpectation("engine", "ErrorPassive", 10)); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if rep := e.Report(); rep.Summary.Passed != 0 {
		t.Fatalf("stale ErrorPassive satisfied the rule: %+v", rep.Verdicts)
	}
}

func TestTimeoutFaultSuppressesForDuration(t *testing.T) {
	e := newEngine(t, Config{}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01"))
	if _, err := e.InjectFault(context.Background(), model.FaultSpec{Type: model.FaultTimeout, TargetMessageID: u32(0x1A0), DurationMs: 25}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	e.Step(50)
	recs := e.Query(Filter{})
	if len(recs) != 2 || recs[0].Frame.Timestamp != 30*time.Millisecond {
		t.Fatalf("records = %+v, want frames at 30ms and 40ms", recs)
	}
	if len(e.Faults()) != 0 {
		t.Fatalf("expired fault still active")
	}
}

func TestInjectFaultRejectsUnknownNode(t *testing.T) {
	e := newEngine(t, Config{})
	_, err := e.InjectFault(context.Background(), model.FaultSpec{Type: model.FaultBusOff, TargetNodeID: "ghost"})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("InjectFault = %v, want ErrConfig", err)
	}
	if err := e.CancelFault(context.Background(), "nope"); !errors.Is(err, ErrUnknownFault) {
		t.Fatalf("CancelFault = %v", err)
	}
}

func TestAddNodeNeedsConfiguredBus(t *testing.T) {
	e := newEngine(t, Config{})
	n := ecuNode("lin", "LIN", model.NodeStopped, 0x10, 10)
	n.Bus = model.BusLIN
	if err := e.AddNode(context.Background(), n); !errors.Is(err, ErrConfig) {
		t.Fatalf("AddNode = %v, want ErrConfig", err)
	}
	if len(e.Nodes()) != 0 {
		t.Fatalf("rejected node registered")
	}
}

func TestLINAndCANBusesRunSideBySide(t *testing.T) {
	e := newEngine(t, Config{Buses: []BusConfig{{Type: model.BusCAN}, {Type: model.BusLIN, EnhancedChecksumIDs: []uint32{0x10}}}},
		ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 20, "01"))
	lin := ecuNode("door", "Door", model.NodeRunning, 0x10, 20, "AA", "BB")
	lin.Bus = model.BusLIN
	if err := e.AddNode(context.Background(), lin); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	e.Step(40)
	linBus := model.BusLIN
	recs := e.Query(Filter{Bus: &linBus})
	if len(recs) != 2 || !recs[0].Valid {
		t.Fatalf("LIN records = %+v", recs)
	}
	if n := len(e.Query(Filter{})); n != 4 {
		t.Fatalf("total records = %d, want 4", n)
	}
}

func TestSubscribersGetEventsAndDropsAreCounted(t *testing.T) {
	e := newEngine(t, Config{}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01"))
	small, cancelSmall := e.Subscribe(1)
	defer cancelSmall()
	big, cancelBig := e.Subscribe(64)

	var kinds []EventKind
	unsub := e.OnEvent(func(ev Event) { kinds = append(kinds, ev.Kind) })
	e.Step(50)
	unsub()

	if len(kinds) != 5 {
		t.Fatalf("callback saw %d events, want 5", len(kinds))
	}
	if got := e.Dropped(); got != 4 {
		t.Fatalf("dropped = %d, want 4", got)
	}
	if len(small) != 1 || len(big) != 5 {
		t.Fatalf("buffered small=%d big=%d", len(small), len(big))
	}
	ev := <-big
	if ev.Kind != EventRecord || ev.Record == nil || ev.Record.Frame.ID != 0x1A0 {
		t.Fatalf("first event = %+v", ev)
	}
	cancelBig()
	cancelBig()
	e.Step(10)
}

func TestScriptVerdicts(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{},
		ecuNode("engine", "Engine ECU", model.NodeRunning, 0x1A0, 10, "01"),
		ecuNode("brake", "Brake ECU", model.NodeRunning, 0x2B1, 10, "01"),
	)
	script, err := evaluator.ParseScript(strings.NewReader(`
TEST_CASE("heartbeat")
  EXPECT_MESSAGE_ID("0x1A0")
  WITH_INTERVAL(10, 1)
  FROM_NODE("Engine ECU")
END_CASE
TEST_CASE("brake fault")
  INJECT_FAULT("bus_off", NODE="Brake ECU")
  EXPECT_NODE_STATUS("Brake ECU", "BusOff", WITHIN=5)
  EXPECT_MESSAGE_ID_ABSENT("0x2B1", TIMEOUT=100)
END_CASE
`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if err := e.RunScript(ctx, script); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	e.Step(200)
	rep := e.Finalize(ctx)
	if !rep.Summary.Pass || rep.Summary.Total != 3 || rep.Summary.Passed != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Cases) != 2 {
		t.Fatalf("cases = %+v", rep.Cases)
	}
}

func TestRunHonoursDurationAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEngine(t, Config{Mode: timectrl.Accelerated}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01"))
	if err := e.Run(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.Now() != 100*time.Millisecond {
		t.Fatalf("Now = %v", e.Now())
	}
	if n := len(e.Query(Filter{})); n != 10 {
		t.Fatalf("records = %d, want 10", n)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), 0) }()
	deadline := time.After(5 * time.Second)
	for e.Now() < 200*time.Millisecond {
		select {
		case <-deadline:
			t.Fatalf("simulation did not advance")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	e.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run after Stop = %v", err)
	}
	stoppedAt := e.Now()
	e.Step(10)
	if e.Query(Filter{From: stoppedAt}) != nil {
		t.Fatalf("ticks ran after Stop")
	}
	if err := e.StartNode(context.Background(), "engine"); !errors.Is(err, ErrStopped) {
		t.Fatalf("command after Stop = %v", err)
	}
	if !e.Snapshot().Stopped {
		t.Fatalf("snapshot not marked stopped")
	}
}

func TestSnapshotAndHistoryBound(t *testing.T) {
	e := newEngine(t, Config{HistorySize: 3}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01"))
	e.Step(100)
	s := e.Snapshot()
	if s.Now != 100*time.Millisecond || len(s.Nodes) != 1 || len(s.Buses) != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if len(s.Records) != 3 || s.RecordsTotal != 10 {
		t.Fatalf("history = %d records of %d", len(s.Records), s.RecordsTotal)
	}
	if s.Records[0].Frame.Timestamp != 70*time.Millisecond {
		t.Fatalf("oldest retained = %v", s.Records[0].Frame.Timestamp)
	}
	if got := e.Query(Filter{Limit: 1}); len(got) != 1 || got[0].Frame.Timestamp != 90*time.Millisecond {
		t.Fatalf("limit query = %+v", got)
	}
}

func TestRemoveNodeHaltsTransmissions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{}, ecuNode("engine", "Engine", model.NodeRunning, 0x1A0, 10, "01"))
	e.Step(15)
	if err := e.RemoveNode(ctx, "engine"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	e.Step(50)
	if n := len(e.Query(Filter{})); n != 2 {
		t.Fatalf("records = %d, want 2", n)
	}
	if err := e.RemoveNode(ctx, "engine"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("second RemoveNode = %v", err)
	}
}
