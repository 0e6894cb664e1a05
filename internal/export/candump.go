package export

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/vbus-simulator/model"
)

const (
	candumpCAN = "can0"
	candumpLIN = "lin0"
)

// WriteCandump writes lines such as "(0.100000) can0 1A0#11223344".
// Timestamps are truncated to microseconds and senders are dropped.
func WriteCandump(w io.Writer, recs []model.Record) error {
	for _, r := range recs {
		f := r.Frame
		iface := candumpCAN
		id := fmt.Sprintf("%03X", f.ID)
		switch {
		case f.Bus == model.BusLIN:
			iface = candumpLIN
			id = fmt.Sprintf("%02X", f.ID)
		case f.Extended:
			id = fmt.Sprintf("%08X", f.ID)
		}
		ts := int64(f.Timestamp)
		sec, usec := ts/int64(time.Second), (ts%int64(time.Second))/int64(time.Microsecond)
		if _, err := fmt.Fprintf(w, "(%d.%06d) %s %s#%X\n", sec, usec, iface, id, f.Data); err != nil {
			return err
		}
	}
	return nil
}

// ReadCandump parses candump logs. Interfaces named lin* carry LIN frames;
// everything else is CAN.
func ReadCandump(r io.Reader) ([]model.Record, error) {
	var out []model.Record
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f, err := candumpFrame(text)
		if err != nil {
			return nil, fmt.Errorf("%w: candump line %d: %v", ErrFormat, line, err)
		}
		out = append(out, importedRecord(f))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func candumpFrame(line string) (model.Frame, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return model.Frame{}, fmt.Errorf("want \"(ts) iface ID#DATA\", got %q", line)
	}
	ts, err := parseCandumpTime(fields[0])
	if err != nil {
		return model.Frame{}, err
	}
	bus := model.BusCAN
	if strings.HasPrefix(strings.ToLower(fields[1]), "lin") {
		bus = model.BusLIN
	}
	idPart, payload, ok := strings.Cut(fields[2], "#")
	if !ok {
		return model.Frame{}, fmt.Errorf("no # separator in %q", fields[2])
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return model.Frame{}, fmt.Errorf("identifier %q", idPart)
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return model.Frame{}, fmt.Errorf("payload %q", payload)
	}
	return model.Frame{
		Bus:       bus,
		ID:        uint32(id),
		Extended:  bus == model.BusCAN && len(idPart) == 8,
		DLC:       len(data),
		Data:      nilIfEmpty(data),
		Timestamp: ts,
	}, nil
}

func parseCandumpTime(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return 0, fmt.Errorf("timestamp %q", s)
	}
	secPart, fracPart, _ := strings.Cut(s[1:len(s)-1], ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q", s)
	}
	if len(fracPart) > 9 {
		fracPart = fracPart[:9]
	}
	var frac int64
	if fracPart != "" {
		if frac, err = strconv.ParseInt(fracPart+strings.Repeat("0", 9-len(fracPart)), 10, 64); err != nil {
			return 0, fmt.Errorf("timestamp %q", s)
		}
	}
	return time.Duration(sec)*time.Second + time.Duration(frac), nil
}
