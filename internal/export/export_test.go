package export

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/model"
)

func sampleRecords() []model.Record {
	return []model.Record{
		{
			Frame: model.Frame{
				Bus: model.BusCAN, ID: 0x1A0, DLC: 8,
				Data:      []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF},
				Timestamp: 100 * time.Millisecond, Sender: "engine",
			},
			Valid: true,
			Signals: map[string]model.SignalValue{
				"EngineSpeed": {Raw: 8961, RawSigned: 8961, Value: 89.61, Unit: "rpm"},
			},
		},
		{
			Frame: model.Frame{
				Bus: model.BusCAN, ID: 0x123, Extended: true, DLC: 3,
				Data:      []byte{0xDE, 0xAD, 0x01},
				Timestamp: 150*time.Millisecond + 1234, Sender: "gateway",
			},
			Error: "crc mismatch",
		},
		{
			Frame: model.Frame{
				Bus: model.BusLIN, ID: 0x10, DLC: 2,
				Data:      []byte{0x00, 0xFF},
				Timestamp: 200 * time.Millisecond, Sender: "door",
			},
			Valid:       true,
			DecodeError: "unknown message id",
		},
		{
			Frame: model.Frame{Bus: model.BusCAN, ID: 0x001, Timestamp: 250 * time.Millisecond, Sender: "engine"},
			Valid: true,
		},
	}
}

func TestCSVIsLosslessForFrames(t *testing.T) {
	recs := sampleRecords()
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, recs))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Timestamp,Type,ID,Sender,DLC,Data", lines[0])
	assert.Equal(t, "100000000,CAN,0x1A0,engine,8,01 23 45 67 89 AB CD EF", lines[1])
	assert.Equal(t, "150001234,CAN,0x00000123,gateway,3,DE AD 01", lines[2])
	assert.Equal(t, "200000000,LIN,0x10,door,2,00 FF", lines[3])

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(recs))
	for i := range recs {
		assert.True(t, recs[i].Frame.Equal(got[i].Frame), "frame %d: %s != %s", i, recs[i].Frame, got[i].Frame)
		assert.True(t, got[i].Valid)
	}
}

func TestJSONAndCBORKeepAnnotations(t *testing.T) {
	recs := sampleRecords()
	for _, format := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrames(&buf, format, recs))
			got, err := ReadFrames(&buf, format)
			require.NoError(t, err)
			assert.Equal(t, recs, got)
		})
	}
}

func TestCandump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCandump(&buf, sampleRecords()))
	assert.Equal(t, strings.Join([]string{
		"(0.100000) can0 1A0#0123456789ABCDEF",
		"(0.150001) can0 00000123#DEAD01",
		"(0.200000) lin0 10#00FF",
		"(0.250000) can0 001#",
	}, "\n")+"\n", buf.String())

	got, err := ReadCandump(&buf)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 150001*time.Microsecond, got[1].Frame.Timestamp)
	assert.True(t, got[1].Frame.Extended)
	assert.Equal(t, model.BusLIN, got[2].Frame.Bus)
	assert.Empty(t, got[0].Frame.Sender)
	assert.Nil(t, got[3].Frame.Data)
}

func TestReadCandumpForeignLog(t *testing.T) {
	log := "# captured on vcan0\n(1700000000.5) vcan0 7DF#0201\n"
	got, err := ReadCandump(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1700000000*time.Second+500*time.Millisecond, got[0].Frame.Timestamp)
	assert.Equal(t, uint32(0x7DF), got[0].Frame.ID)
	assert.Equal(t, []byte{0x02, 0x01}, got[0].Frame.Data)
}

func TestMalformedLogs(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{"csv header", FormatCSV, "Time,ID\n1,2\n"},
		{"csv id", FormatCSV, "Timestamp,Type,ID,Sender,DLC,Data\n0,CAN,zz,a,0,\n"},
		{"csv bus", FormatCSV, "Timestamp,Type,ID,Sender,DLC,Data\n0,MOST,0x1,a,0,\n"},
		{"csv data", FormatCSV, "Timestamp,Type,ID,Sender,DLC,Data\n0,CAN,0x1,a,1,G1\n"},
		{"json", FormatJSON, "{"},
		{"cbor", FormatCBOR, "\xff\xff"},
		{"candump", FormatCandump, "can0 123#00\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrames(strings.NewReader(tt.input), tt.format)
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestImportedInvalidFrame(t *testing.T) {
	in := "Timestamp,Type,ID,Sender,DLC,Data\n0,CAN,0x1A0,x,4,00 01\n"
	got, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Valid)
	assert.Contains(t, got[0].Error, "dlc 4")
}

func TestSaveAndLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords()
	for _, name := range []string{"out/frames.csv", "out/frames.json", "out/frames.cbor", "out/frames.log"} {
		path := filepath.Join(dir, name)
		require.NoError(t, SaveFrames(path, recs))
		got, err := LoadFrames(path)
		require.NoError(t, err, name)
		assert.Len(t, got, len(recs), name)
	}

	require.ErrorIs(t, SaveFrames(filepath.Join(dir, "frames.txt"), recs), ErrFormat)
	_, err := ParseFormat("xml")
	require.ErrorIs(t, err, ErrFormat)
	f, err := ParseFormat(" CBOR ")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)
}

func TestVerdictLogAndReport(t *testing.T) {
	verdicts := []model.Verdict{
		{RuleID: "a/1", Rule: "MessagePresence(0x1A0, 100ms)", Result: model.Pass, Reason: "seen at 10ms", At: 10 * time.Millisecond},
		{RuleID: "a/2", Rule: "ChecksumValidity(any)", Result: model.Fail, Reason: "invalid frame", At: 20 * time.Millisecond},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteVerdicts(&buf, verdicts))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), `"atNs":10000000`)

	got, err := ReadVerdicts(&buf)
	require.NoError(t, err)
	assert.Equal(t, verdicts, got)

	dir := t.TempDir()
	require.NoError(t, SaveVerdicts(filepath.Join(dir, "verdicts.ndjson"), verdicts))

	var rep evaluator.Report
	rep.Summary.Total = 2
	rep.Summary.Failed = 1
	rep.Verdicts = verdicts
	path := filepath.Join(dir, "reports", "report.json")
	require.NoError(t, SaveReport(path, rep))
	assert.FileExists(t, path)
}
