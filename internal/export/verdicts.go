package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// WriteVerdicts writes one JSON object per line.
func WriteVerdicts(w io.Writer, verdicts []model.Verdict) error {
	enc := json.NewEncoder(w)
	for _, v := range verdicts {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// ReadVerdicts parses an NDJSON verdict log. Blank lines are skipped.
func ReadVerdicts(r io.Reader) ([]model.Verdict, error) {
	var out []model.Verdict
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var v model.Verdict
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("%w: verdict line %d: %v", ErrFormat, line, err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveVerdicts writes an NDJSON verdict log to path.
func SaveVerdicts(path string, verdicts []model.Verdict) error {
	return saveFile(path, func(w io.Writer) error {
		return WriteVerdicts(w, verdicts)
	})
}

// SaveReport writes the evaluator report as indented JSON.
func SaveReport(path string, report evaluator.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
