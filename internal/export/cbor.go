package export

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/signalsfoundry/vbus-simulator/model"
)

type cborSignal struct {
	Raw       uint64  `cbor:"1,keyasint"`
	RawSigned int64   `cbor:"2,keyasint"`
	Value     float64 `cbor:"3,keyasint"`
	Unit      string  `cbor:"4,keyasint,omitempty"`
}

type cborRecord struct {
	TimestampNs int64                 `cbor:"1,keyasint"`
	Bus         int                   `cbor:"2,keyasint"`
	ID          uint32                `cbor:"3,keyasint"`
	Extended    bool                  `cbor:"4,keyasint,omitempty"`
	DLC         int                   `cbor:"5,keyasint"`
	Data        []byte                `cbor:"6,keyasint"`
	Sender      string                `cbor:"7,keyasint,omitempty"`
	Valid       bool                  `cbor:"8,keyasint"`
	Error       string                `cbor:"9,keyasint,omitempty"`
	DecodeError string                `cbor:"10,keyasint,omitempty"`
	Signals     map[string]cborSignal `cbor:"11,keyasint,omitempty"`
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// WriteCBOR writes recs as a CBOR sequence, one map per record, so a log
// can be appended to and streamed.
func WriteCBOR(w io.Writer, recs []model.Record) error {
	enc := cborEnc.NewEncoder(w)
	for _, r := range recs {
		f := r.Frame
		c := cborRecord{
			TimestampNs: int64(f.Timestamp),
			Bus:         int(f.Bus),
			ID:          f.ID,
			Extended:    f.Extended,
			DLC:         f.DLC,
			Data:        f.Data,
			Sender:      f.Sender,
			Valid:       r.Valid,
			Error:       r.Error,
			DecodeError: r.DecodeError,
		}
		if len(r.Signals) > 0 {
			c.Signals = make(map[string]cborSignal, len(r.Signals))
			for name, v := range r.Signals {
				c.Signals[name] = cborSignal(v)
			}
		}
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

// ReadCBOR decodes a CBOR sequence produced by WriteCBOR.
func ReadCBOR(r io.Reader) ([]model.Record, error) {
	dec := cbor.NewDecoder(r)
	var out []model.Record
	for {
		var c cborRecord
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: cbor record %d: %v", ErrFormat, len(out), err)
		}
		bus := model.BusType(c.Bus)
		if bus != model.BusCAN && bus != model.BusLIN {
			return nil, fmt.Errorf("%w: cbor record %d: bus %d", ErrFormat, len(out), c.Bus)
		}
		rec := model.Record{
			Frame: model.Frame{
				Bus:       bus,
				ID:        c.ID,
				Extended:  c.Extended,
				DLC:       c.DLC,
				Data:      nilIfEmpty(c.Data),
				Timestamp: time.Duration(c.TimestampNs),
				Sender:    c.Sender,
			},
			Valid:       c.Valid,
			Error:       c.Error,
			DecodeError: c.DecodeError,
		}
		if len(c.Signals) > 0 {
			rec.Signals = make(map[string]model.SignalValue, len(c.Signals))
			for name, v := range c.Signals {
				rec.Signals[name] = model.SignalValue(v)
			}
		}
		out = append(out, rec)
	}
}
