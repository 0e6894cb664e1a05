package export

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/vbus-simulator/model"
)

var csvHeader = []string{"Timestamp", "Type", "ID", "Sender", "DLC", "Data"}

// WriteCSV writes one row per frame. Timestamp is in integer nanoseconds,
// the identifier uses its bus-specific width and data is space-joined hex.
func WriteCSV(w io.Writer, recs []model.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range recs {
		f := r.Frame
		row := []string{
			strconv.FormatInt(int64(f.Timestamp), 10),
			f.Bus.String(),
			f.IDString(),
			f.Sender,
			strconv.Itoa(f.DLC),
			f.DataHex(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses logs produced by WriteCSV. An eight digit CAN identifier
// marks an extended frame.
func ReadCSV(r io.Reader) ([]model.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	for i, h := range csvHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), h) {
			return nil, fmt.Errorf("%w: csv column %d is %q, want %q", ErrFormat, i+1, header[i], h)
		}
	}

	var out []model.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		f, err := csvFrame(row)
		if err != nil {
			return nil, fmt.Errorf("%w: csv line %d: %v", ErrFormat, line, err)
		}
		out = append(out, importedRecord(f))
	}
}

func csvFrame(row []string) (model.Frame, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return model.Frame{}, fmt.Errorf("timestamp %q", row[0])
	}
	bus, err := model.ParseBusType(row[1])
	if err != nil {
		return model.Frame{}, err
	}
	id, extended, err := parseFrameID(bus, row[2])
	if err != nil {
		return model.Frame{}, err
	}
	dlc, err := strconv.Atoi(strings.TrimSpace(row[4]))
	if err != nil {
		return model.Frame{}, fmt.Errorf("dlc %q", row[4])
	}
	data, err := parseHexBytes(row[5])
	if err != nil {
		return model.Frame{}, err
	}
	return model.Frame{
		Bus:       bus,
		ID:        id,
		Extended:  extended,
		DLC:       dlc,
		Data:      data,
		Timestamp: time.Duration(ts),
		Sender:    row[3],
	}, nil
}

// parseFrameID reads "0x1A0"-style identifiers. Width tells standard from
// extended CAN ids, so 0x00000123 is extended while 0x123 is not.
func parseFrameID(bus model.BusType, s string) (uint32, bool, error) {
	s = strings.TrimSpace(s)
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil || digits == "" {
		return 0, false, fmt.Errorf("identifier %q", s)
	}
	extended := bus == model.BusCAN && (len(digits) > 3 || v > model.MaxStandardID)
	return uint32(v), extended, nil
}

func parseHexBytes(s string) ([]byte, error) {
	joined := strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("data %q", s)
	}
	return nilIfEmpty(b), nil
}
