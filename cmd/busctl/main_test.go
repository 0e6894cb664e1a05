package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/vbus-simulator/internal/export"
)

const speedSignals = `[{"messageId": "0x1A0", "signalName": "EngineSpeed", "startBit": 0, "length": 16, "factor": 0.01, "unit": "rpm"}]`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "signals.json", speedSignals)
	writeFile(t, dir, "checks.vtest", `TEST_CASE("Heartbeat")
  EXPECT_MESSAGE_ID("0x1A0")
  WITHIN(150)
END_CASE
`)
	scenario := writeFile(t, dir, "scenario.yaml", `
simulation:
  tick: 1ms
nodes:
  - id: engine
    tx:
      - id: 0x1A0
        intervalMs: 100
        data: "01 23"
signals: signals.json
script: checks.vtest
rules:
  - kind: message_interval_tolerance
    messageId: 0x1A0
    expectedMs: 100
    toleranceMs: 10
`)

	out, err := execute(t, "validate", scenario)
	require.NoError(t, err)
	assert.Contains(t, out, "1 node(s), 0 fault(s), 1 rule(s)")
	assert.Contains(t, out, "1 signal(s) in 1 message(s)")
	assert.Contains(t, out, "1 case(s), 1 rule(s)")
}

func TestValidateRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "simulation:\n  mode: warp\n")

	_, err := execute(t, "validate", bad)
	require.Error(t, err)

	_, err = execute(t, "validate")
	require.Error(t, err)

	signals := writeFile(t, dir, "broken.json", `[{"messageId": "0x1A0"}]`)
	_, err = execute(t, "validate", "--signals", signals)
	require.Error(t, err)
}

func TestDecodeSignals(t *testing.T) {
	signals := writeFile(t, t.TempDir(), "signals.json", speedSignals)

	out, err := execute(t, "decode", "--signals", signals, "--id", "0x1A0", "--data", "01 23 00 00 00 00 00 00")
	require.NoError(t, err)
	assert.Contains(t, out, "CAN 0x1A0 [8] 01 23 00 00 00 00 00 00")
	assert.Contains(t, out, "EngineSpeed")
	assert.Contains(t, out, "rpm (raw 8961)")
}

func TestDecodeUnknownMessage(t *testing.T) {
	signals := writeFile(t, t.TempDir(), "signals.json", speedSignals)

	_, err := execute(t, "decode", "--signals", signals, "--id", "0x100", "--data", "00")
	require.Error(t, err)

	_, err = execute(t, "decode", "--id", "0x1A0", "--data", "00")
	require.Error(t, err)
}

func TestEncodeThenDecodeWire(t *testing.T) {
	signals := writeFile(t, t.TempDir(), "signals.json", speedSignals)

	out, err := execute(t, "encode", "--signals", signals, "--id", "0x1A0", "--dlc", "2", "--set", "EngineSpeed=89.61")
	require.NoError(t, err)
	assert.Contains(t, out, "frame: CAN 0x1A0 [2] 01 23")

	var wire string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "wire:"); ok {
			wire = strings.TrimSpace(rest)
		}
	}
	require.NotEmpty(t, wire)

	out, err = execute(t, "decode", "--signals", signals, "--wire", wire)
	require.NoError(t, err)
	assert.Contains(t, out, "CAN 0x1A0 [2] 01 23")
	assert.Contains(t, out, "(raw 8961)")
}

func TestEncodeRejectsInvalidFrame(t *testing.T) {
	_, err := execute(t, "encode", "--bus", "LIN", "--id", "0x40", "--data", "00")
	require.Error(t, err)

	_, err = execute(t, "encode", "--id", "0x1A0", "--data", "00 11 22 33 44 55 66 77 88")
	require.Error(t, err)

	_, err = execute(t, "encode", "--id", "0x1A0", "--set", "EngineSpeed=1")
	require.Error(t, err)
}

func TestEncodeLIN(t *testing.T) {
	out, err := execute(t, "encode", "--bus", "LIN", "--id", "0x10", "--data", "55 AA", "--enhanced")
	require.NoError(t, err)
	assert.Contains(t, out, "frame: LIN 0x10 [2] 55 AA")
	assert.Contains(t, out, "bits:")
}

func TestConvertCSVToCandump(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "frames.csv", "Timestamp,Type,ID,Sender,DLC,Data\n100000000,CAN,0x1A0,engine,2,01 23\n")
	out := filepath.Join(dir, "frames.log")

	msg, err := execute(t, "convert", in, out)
	require.NoError(t, err)
	assert.Contains(t, msg, "converted 1 frame(s) csv -> candump")

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "(0.100000) can0 1A0#0123\n", string(body))
}

func TestConvertExplicitFormats(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "frames.txt", "Timestamp,Type,ID,Sender,DLC,Data\n5000,LIN,0x10,door,1,7F\n")
	out := filepath.Join(dir, "frames.bin")

	_, err := execute(t, "convert", in, out)
	require.Error(t, err)

	_, err = execute(t, "convert", "--from", "csv", "--to", "cbor", in, out)
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	recs, err := export.ReadCBOR(f)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "door", recs[0].Frame.Sender)
	assert.Equal(t, uint32(0x10), recs[0].Frame.ID)
}

func TestVerdictsSummary(t *testing.T) {
	dir := t.TempDir()
	log := writeFile(t, dir, "verdicts.ndjson", `{"ruleId":"a","rule":"MessagePresence(0x1A0, 150ms)","result":"PASS","reason":"","atNs":100000000}

{"ruleId":"b","rule":"MessageAbsence(0x2B1, 400ms)","result":"FAIL","reason":"seen at 120ms","atNs":120000000}
`)

	out, err := execute(t, "verdicts", log)
	require.True(t, errors.Is(err, errVerdictsFailed), "err = %v", err)
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "seen at 120ms")
	assert.Contains(t, out, "2 verdict(s), 1 passed, 1 failed")

	out, err = execute(t, "verdicts", "--failed", log)
	require.Error(t, err)
	assert.NotContains(t, out, "MessagePresence")

	ok := writeFile(t, dir, "ok.ndjson", `{"ruleId":"a","rule":"r","result":"PASS","atNs":1}`+"\n")
	out, err = execute(t, "verdicts", ok)
	require.NoError(t, err)
	assert.Contains(t, out, "1 verdict(s), 1 passed, 0 failed")
}
