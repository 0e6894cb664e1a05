package evaluator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/vbus-simulator/model"
)

const sampleScript = `// heartbeat and fault checks
TEST_CASE("Engine ECU Heartbeat")
  EXPECT_MESSAGE_ID("0x1A0")
  WITH_INTERVAL(100, 10) // 100ms +/- 10ms
  FROM_NODE("Engine ECU")
  EXPECT_VALID_CHECKSUM("0x1A0")
END_CASE

TEST_CASE("Brake System Integrity Under Fault")
  INJECT_FAULT("bus_off", DURATION=500, NODE="Brake ECU")
  EXPECT_NODE_STATUS("Brake ECU", "BusOff", WITHIN=50)
  EXPECT_MESSAGE_ID_ABSENT("0x2B1", TIMEOUT=1000)
  EXPECT_MESSAGE_ID(0x0F5)
  WITHIN(200)
END_CASE
`

func TestParseScript(t *testing.T) {
	s, err := ParseScript(strings.NewReader(sampleScript))
	require.NoError(t, err)
	require.Len(t, s.Cases, 2)

	hb := s.Cases[0]
	assert.Equal(t, "Engine ECU Heartbeat", hb.Name)
	assert.Equal(t, 2, hb.Line)
	require.Len(t, hb.Rules, 2)
	assert.Equal(t, KindIntervalTolerance, hb.Rules[0].Kind)
	assert.Equal(t, uint32(0x1A0), *hb.Rules[0].MessageID)
	assert.Equal(t, 100, hb.Rules[0].ExpectedMs)
	assert.Equal(t, 10, hb.Rules[0].ToleranceMs)
	assert.Equal(t, "Engine ECU", hb.Rules[0].Sender)
	assert.Equal(t, "Engine ECU Heartbeat/1", hb.Rules[0].ID)
	assert.Equal(t, KindChecksum, hb.Rules[1].Kind)

	fc := s.Cases[1]
	require.Len(t, fc.Faults, 1)
	assert.Equal(t, model.FaultBusOff, fc.Faults[0].Type)
	assert.Equal(t, "Brake ECU", fc.Faults[0].TargetNodeID)
	assert.Equal(t, 500, fc.Faults[0].DurationMs)
	require.Len(t, fc.Rules, 3)
	assert.Equal(t, KindNodeStatus, fc.Rules[0].Kind)
	assert.Equal(t, 50, fc.Rules[0].WithinMs)
	assert.Equal(t, KindAbsence, fc.Rules[1].Kind)
	assert.Equal(t, 1000, fc.Rules[1].ForMs)
	assert.Equal(t, KindPresence, fc.Rules[2].Kind)
	assert.Equal(t, 200, fc.Rules[2].WithinMs)

	assert.Len(t, s.Rules(), 5)
}

func TestParseScriptErrors(t *testing.T) {
	cases := map[string]string{
		"outside case":    `EXPECT_MESSAGE_ID("0x1A0")`,
		"unterminated":    "TEST_CASE(\"a\")\nEXPECT_MESSAGE_ID(\"0x1\")",
		"nested":          "TEST_CASE(\"a\")\nTEST_CASE(\"b\")",
		"orphan modifier": "TEST_CASE(\"a\")\nWITH_INTERVAL(100, 10)\nEND_CASE",
		"bad id":          "TEST_CASE(\"a\")\nEXPECT_MESSAGE_ID(\"zz\")\nEND_CASE",
		"bad fault":       "TEST_CASE(\"a\")\nINJECT_FAULT(\"bus_off\", DURATION=500)\nEND_CASE",
		"bad interval":    "TEST_CASE(\"a\")\nEXPECT_MESSAGE_ID(1)\nWITH_INTERVAL(0, 10)\nEND_CASE",
		"unknown":         "TEST_CASE(\"a\")\nEXPECT_SPEED(1)\nEND_CASE",
		"garbage":         "TEST_CASE(\"a\")\nhello\nEND_CASE",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScript(strings.NewReader(src))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestParseScriptKeepsCommentMarkersInStrings(t *testing.T) {
	src := "TEST_CASE(\"http://bus\") // trailing\nEXPECT_VALID_CHECKSUM()\nEND_CASE"
	s, err := ParseScript(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "http://bus", s.Cases[0].Name)
	assert.Nil(t, s.Cases[0].Rules[0].MessageID)
}

func TestParseScriptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.vtest")
	require.NoError(t, os.WriteFile(path, []byte(sampleScript), 0o644))
	s, err := ParseScriptFile(path)
	require.NoError(t, err)
	assert.Len(t, s.Cases, 2)

	_, err = ParseScriptFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestParseScriptBusArgument(t *testing.T) {
	s, err := ParseScript(strings.NewReader(`TEST_CASE("door")
  EXPECT_MESSAGE_ID("0x10", BUS="LIN")
  WITH_INTERVAL(50, 5)
  EXPECT_MESSAGE_ID_ABSENT("0x11", TIMEOUT=100, BUS="lin")
  EXPECT_VALID_CHECKSUM("0x1A0")
END_CASE
`))
	require.NoError(t, err)
	rules := s.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, model.BusLIN, rules[0].Bus)
	assert.Equal(t, model.BusLIN, rules[1].Bus)
	assert.Equal(t, model.BusCAN, rules[2].Bus)

	_, err = ParseScript(strings.NewReader("TEST_CASE(\"x\")\n  EXPECT_MESSAGE_ID(\"0x10\", BUS=\"FLEXRAY\")\nEND_CASE\n"))
	require.Error(t, err)
}
