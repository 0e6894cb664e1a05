package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/signalsfoundry/vbus-simulator/internal/config"
	"github.com/signalsfoundry/vbus-simulator/internal/export"
)

const heartbeatScenario = `
simulation:
  tick: 1ms
  seed: 7
  duration: 1s
nodes:
  - id: engine
    name: Engine ECU
    status: Running
    tx:
      - id: 0x1A0
        intervalMs: 100
        data: "01 23 00 00 00 00 00 00"
signals: signals.json
script: checks.vtest
rules:
  - kind: message_interval_tolerance
    messageId: 0x1A0
    expectedMs: 100
    toleranceMs: 10
export:
  csv: out/frames.csv
  cbor: out/frames.cbor
  verdicts: out/verdicts.ndjson
  report: out/report.json
`

const heartbeatScript = `TEST_CASE("Heartbeat")
  EXPECT_MESSAGE_ID("0x1A0")
  WITHIN(150)
  FROM_NODE("Engine ECU")
  EXPECT_VALID_CHECKSUM()
END_CASE
`

const speedSignals = `[{"messageId": "0x1A0", "signalName": "EngineSpeed", "startBit": 0, "length": 16, "factor": 0.01, "unit": "rpm"}]`

func writeScenario(t *testing.T, scenario string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"scenario.yaml": scenario,
		"checks.vtest":  heartbeatScript,
		"signals.json":  speedSignals,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestRunPassingScenario(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := writeScenario(t, heartbeatScenario)
	var out bytes.Buffer
	code := run(context.Background(), options{
		ConfigPath:  filepath.Join(dir, "scenario.yaml"),
		PrintFrames: true,
		Stdout:      &out,
	})
	if code != exitPass {
		t.Fatalf("exit code = %d, want %d\n%s", code, exitPass, out.String())
	}
	if !strings.Contains(out.String(), "rules: 3 total, 3 passed, 0 failed, 0 pending") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
	if !strings.Contains(out.String(), " simulated\n") {
		t.Fatalf("summary lacks the run line:\n%s", out.String())
	}
	if got := strings.Count(out.String(), "0x1A0 [8]"); got != 10 {
		t.Fatalf("printed %d frames, want 10", got)
	}

	recs, err := export.LoadFrames(filepath.Join(dir, "out", "frames.cbor"))
	if err != nil {
		t.Fatalf("LoadFrames: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("exported %d records, want 10", len(recs))
	}
	if v := recs[0].Signals["EngineSpeed"].Value; v < 89.6 || v > 89.62 {
		t.Fatalf("EngineSpeed = %v, want 89.61", v)
	}
	for _, name := range []string{"frames.csv", "verdicts.ndjson", "report.json"} {
		if _, err := os.Stat(filepath.Join(dir, "out", name)); err != nil {
			t.Fatalf("missing export %s: %v", name, err)
		}
	}
}

func TestTracingConfigMergesScenarioAndEnv(t *testing.T) {
	t.Setenv("VBUS_TRACING_EXPORTER", "otlp")
	t.Setenv("VBUS_OTLP_ENDPOINT", "collector:4317")

	dir := writeScenario(t, heartbeatScenario+"tracing:\n  enabled: true\n  sampleRatio: 0.5\n")
	scn, err := config.Load(filepath.Join(dir, "scenario.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := tracingConfig(scn, "scenario.yaml")
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected tracing config %+v", cfg)
	}
	if cfg.SampleRatio != 0.5 || cfg.ServiceName != "vbus-simulator" {
		t.Fatalf("scenario settings not applied: %+v", cfg)
	}
	if len(cfg.Attributes) != 3 {
		t.Fatalf("attributes = %v", cfg.Attributes)
	}
}

func TestRunFailingScenario(t *testing.T) {
	scenario := strings.Replace(heartbeatScenario, "expectedMs: 100", "expectedMs: 50", 1)
	dir := writeScenario(t, scenario)
	var out bytes.Buffer
	code := run(context.Background(), options{
		ConfigPath: filepath.Join(dir, "scenario.yaml"),
		Duration:   300 * time.Millisecond,
		Stdout:     &out,
	})
	if code != exitFail {
		t.Fatalf("exit code = %d, want %d\n%s", code, exitFail, out.String())
	}
	if !strings.Contains(out.String(), "FAIL MessageIntervalTolerance(0x1A0, 50ms") {
		t.Fatalf("failure not reported:\n%s", out.String())
	}
}

func TestRunRejectsBadScenario(t *testing.T) {
	dir := writeScenario(t, "simulation:\n  mode: warp\n")
	code := run(context.Background(), options{ConfigPath: filepath.Join(dir, "scenario.yaml"), Stdout: &bytes.Buffer{}})
	if code != exitConfig {
		t.Fatalf("exit code = %d, want %d", code, exitConfig)
	}
	code = run(context.Background(), options{ConfigPath: filepath.Join(dir, "missing.yaml")})
	if code != exitConfig {
		t.Fatalf("missing file exit code = %d, want %d", code, exitConfig)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	scenario := strings.Replace(heartbeatScenario, "duration: 1s", "duration: 0s", 1)
	dir := writeScenario(t, scenario)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, options{
			ConfigPath:  filepath.Join(dir, "scenario.yaml"),
			Mode:        "realtime",
			MetricsAddr: "127.0.0.1:0",
			Stdout:      &bytes.Buffer{},
		})
	}()
	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		if code == exitConfig {
			t.Fatalf("cancelled run exited with %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
