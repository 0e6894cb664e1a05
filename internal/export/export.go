// Package export writes and reads frame logs, verdict logs and run reports.
//
// Frame logs come in four formats. CSV and JSON are lossless for the frame
// fields; JSON and CBOR also carry the codec and decoder annotations of each
// record. candump logs follow the Linux can-utils text format and keep only
// the bus, identifier, payload and a microsecond timestamp.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/signalsfoundry/vbus-simulator/model"
)

// ErrFormat reports an unknown format or a malformed log.
var ErrFormat = errors.New("export format")

// Format names a frame log encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatCBOR    Format = "cbor"
	FormatCandump Format = "candump"
)

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatCBOR, FormatCandump:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrFormat, s)
	}
}

// FormatFromPath picks the format from a file extension. ".log" is read as
// a candump log.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".cbor":
		return FormatCBOR, nil
	case ".log", ".candump":
		return FormatCandump, nil
	default:
		return "", fmt.Errorf("%w: cannot infer format of %q", ErrFormat, path)
	}
}

// WriteFrames encodes recs to w.
func WriteFrames(w io.Writer, format Format, recs []model.Record) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, recs)
	case FormatJSON:
		return WriteJSON(w, recs)
	case FormatCBOR:
		return WriteCBOR(w, recs)
	case FormatCandump:
		return WriteCandump(w, recs)
	default:
		return fmt.Errorf("%w: unknown format %q", ErrFormat, format)
	}
}

// ReadFrames decodes a frame log. Formats that carry no codec annotation
// mark each record valid when its frame passes model validation.
func ReadFrames(r io.Reader, format Format) ([]model.Record, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(r)
	case FormatJSON:
		return ReadJSON(r)
	case FormatCBOR:
		return ReadCBOR(r)
	case FormatCandump:
		return ReadCandump(r)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrFormat, format)
	}
}

// SaveFrames writes recs to path in the format implied by its extension,
// creating parent directories as needed.
func SaveFrames(path string, recs []model.Record) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	return saveFile(path, func(w io.Writer) error {
		return WriteFrames(w, format, recs)
	})
}

// LoadFrames reads a frame log in the format implied by its extension.
func LoadFrames(path string) ([]model.Record, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFrames(bufio.NewReader(f), format)
}

// Frames strips the annotations of recs.
func Frames(recs []model.Record) []model.Frame {
	out := make([]model.Frame, len(recs))
	for i, r := range recs {
		out[i] = r.Frame.Clone()
	}
	return out
}

func saveFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// importedRecord wraps a frame read from a log without annotations.
func importedRecord(f model.Frame) model.Record {
	rec := model.Record{Frame: f, Valid: true}
	if err := f.Validate(); err != nil {
		rec.Valid = false
		rec.Error = err.Error()
	}
	return rec
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
