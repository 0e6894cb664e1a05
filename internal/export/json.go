package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/signalsfoundry/vbus-simulator/model"
)

type jsonSignal struct {
	Raw       uint64  `json:"raw"`
	RawSigned int64   `json:"rawSigned"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
}

type jsonRecord struct {
	TimestampNs int64                 `json:"timestampNs"`
	Bus         model.BusType         `json:"bus"`
	ID          string                `json:"id"`
	Extended    bool                  `json:"extended,omitempty"`
	DLC         int                   `json:"dlc"`
	Data        string                `json:"data"`
	Sender      string                `json:"sender,omitempty"`
	Valid       bool                  `json:"valid"`
	Error       string                `json:"error,omitempty"`
	DecodeError string                `json:"decodeError,omitempty"`
	Signals     map[string]jsonSignal `json:"signals,omitempty"`
}

func toJSONRecord(r model.Record) jsonRecord {
	f := r.Frame
	out := jsonRecord{
		TimestampNs: int64(f.Timestamp),
		Bus:         f.Bus,
		ID:          f.IDString(),
		Extended:    f.Extended,
		DLC:         f.DLC,
		Data:        f.DataHex(),
		Sender:      f.Sender,
		Valid:       r.Valid,
		Error:       r.Error,
		DecodeError: r.DecodeError,
	}
	if len(r.Signals) > 0 {
		out.Signals = make(map[string]jsonSignal, len(r.Signals))
		for name, v := range r.Signals {
			out.Signals[name] = jsonSignal(v)
		}
	}
	return out
}

func (j jsonRecord) record() (model.Record, error) {
	id, _, err := parseFrameID(j.Bus, j.ID)
	if err != nil {
		return model.Record{}, err
	}
	data, err := parseHexBytes(j.Data)
	if err != nil {
		return model.Record{}, err
	}
	r := model.Record{
		Frame: model.Frame{
			Bus:       j.Bus,
			ID:        id,
			Extended:  j.Extended,
			DLC:       j.DLC,
			Data:      data,
			Timestamp: time.Duration(j.TimestampNs),
			Sender:    j.Sender,
		},
		Valid:       j.Valid,
		Error:       j.Error,
		DecodeError: j.DecodeError,
	}
	if len(j.Signals) > 0 {
		r.Signals = make(map[string]model.SignalValue, len(j.Signals))
		for name, v := range j.Signals {
			r.Signals[name] = model.SignalValue(v)
		}
	}
	return r, nil
}

// WriteJSON writes recs as one indented JSON array.
func WriteJSON(w io.Writer, recs []model.Record) error {
	out := make([]jsonRecord, len(recs))
	for i, r := range recs {
		out[i] = toJSONRecord(r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// ReadJSON parses logs produced by WriteJSON.
func ReadJSON(r io.Reader) ([]model.Record, error) {
	var in []jsonRecord
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	out := make([]model.Record, 0, len(in))
	for i, j := range in {
		rec, err := j.record()
		if err != nil {
			return nil, fmt.Errorf("%w: json record %d: %v", ErrFormat, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
