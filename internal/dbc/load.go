package dbc

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/vbus-simulator/model"
)

// MessageID accepts either a number or a string such as "0x1A0" when
// decoded from JSON or YAML.
type MessageID uint32

// UnmarshalJSON implements json.Unmarshaler.
func (m *MessageID) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		*m = MessageID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: message id %s", ErrConfig, string(b))
	}
	return m.parse(s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MessageID) UnmarshalYAML(value *yaml.Node) error {
	return m.parse(value.Value)
}

func (m *MessageID) parse(s string) error {
	v, err := ParseID(s)
	if err != nil {
		return err
	}
	*m = MessageID(v)
	return nil
}

// ParseID parses decimal or 0x-prefixed hexadecimal identifiers.
func ParseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: message id %q", ErrConfig, s)
	}
	return uint32(v), nil
}

// Record is one signal definition in the structured import format.
type Record struct {
	// Bus is CAN or LIN; empty means CAN.
	Bus        string    `json:"bus,omitempty" yaml:"bus,omitempty"`
	MessageID  MessageID `json:"messageId" yaml:"messageId"`
	SignalName string    `json:"signalName" yaml:"signalName"`
	StartBit   int       `json:"startBit" yaml:"startBit"`
	Length     int       `json:"length" yaml:"length"`
	Factor     *float64  `json:"factor,omitempty" yaml:"factor,omitempty"`
	Offset     float64   `json:"offset" yaml:"offset"`
	Unit       string    `json:"unit" yaml:"unit"`
	ByteOrder  string    `json:"byteOrder,omitempty" yaml:"byteOrder,omitempty"`
	Signed     bool      `json:"signed,omitempty" yaml:"signed,omitempty"`
}

// Definition converts the record. A missing factor means 1.
func (r Record) Definition() (model.SignalDefinition, error) {
	order, err := model.ParseByteOrder(r.ByteOrder)
	if err != nil {
		return model.SignalDefinition{}, err
	}
	bus := model.BusCAN
	if strings.TrimSpace(r.Bus) != "" {
		if bus, err = model.ParseBusType(r.Bus); err != nil {
			return model.SignalDefinition{}, err
		}
	}
	factor := 1.0
	if r.Factor != nil {
		factor = *r.Factor
	}
	return model.SignalDefinition{
		Name:      strings.TrimSpace(r.SignalName),
		Bus:       bus,
		MessageID: uint32(r.MessageID),
		StartBit:  r.StartBit,
		BitLength: r.Length,
		Factor:    factor,
		Offset:    r.Offset,
		Unit:      r.Unit,
		ByteOrder: order,
		Signed:    r.Signed,
	}, nil
}

type recordFile struct {
	Signals []Record `json:"signals" yaml:"signals"`
}

func fromRecords(recs []Record) (*Database, error) {
	defs := make([]model.SignalDefinition, 0, len(recs))
	for i, r := range recs {
		def, err := r.Definition()
		if err != nil {
			return nil, fmt.Errorf("record[%d]: %w", i, err)
		}
		defs = append(defs, def)
	}
	return New(defs)
}

// ParseJSON reads either a bare array of records or {"signals": [...]}.
func ParseJSON(data []byte) (*Database, error) {
	trimmed := bytes.TrimSpace(data)
	var recs []Record
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, fmt.Errorf("%w: decode json: %w", ErrConfig, err)
		}
		return fromRecords(recs)
	}
	var f recordFile
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, fmt.Errorf("%w: decode json: %w", ErrConfig, err)
	}
	return fromRecords(f.Signals)
}

// ParseYAML reads either a sequence of records or a mapping with a
// signals key.
func ParseYAML(data []byte) (*Database, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrConfig, err)
	}
	if len(root.Content) == 0 {
		return New(nil)
	}
	var recs []Record
	if root.Content[0].Kind == yaml.SequenceNode {
		if err := root.Content[0].Decode(&recs); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %w", ErrConfig, err)
		}
		return fromRecords(recs)
	}
	var f recordFile
	if err := root.Content[0].Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrConfig, err)
	}
	return fromRecords(f.Signals)
}

// ParseCSV reads records with a header naming at least messageId,
// signalName, startBit and length. Column order is free.
func ParseCSV(r io.Reader) (*Database, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read csv header: %w", ErrConfig, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"messageid", "signalname", "startbit", "length"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%w: csv header missing %q", ErrConfig, required)
		}
	}

	var recs []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv line %d: %w", ErrConfig, line, err)
		}
		rec, err := csvRecord(col, row)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
	return fromRecords(recs)
}

func csvRecord(col map[string]int, row []string) (Record, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	var rec Record
	id, err := ParseID(get("messageid"))
	if err != nil {
		return rec, err
	}
	rec.MessageID = MessageID(id)
	rec.Bus = get("bus")
	rec.SignalName = get("signalname")
	if rec.StartBit, err = strconv.Atoi(get("startbit")); err != nil {
		return rec, fmt.Errorf("%w: startBit %q", ErrConfig, get("startbit"))
	}
	if rec.Length, err = strconv.Atoi(get("length")); err != nil {
		return rec, fmt.Errorf("%w: length %q", ErrConfig, get("length"))
	}
	if s := get("factor"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return rec, fmt.Errorf("%w: factor %q", ErrConfig, s)
		}
		rec.Factor = &f
	}
	if s := get("offset"); s != "" {
		if rec.Offset, err = strconv.ParseFloat(s, 64); err != nil {
			return rec, fmt.Errorf("%w: offset %q", ErrConfig, s)
		}
	}
	rec.Unit = get("unit")
	rec.ByteOrder = get("byteorder")
	if s := get("signed"); s != "" {
		if rec.Signed, err = strconv.ParseBool(s); err != nil {
			return rec, fmt.Errorf("%w: signed %q", ErrConfig, s)
		}
	}
	return rec, nil
}

// LoadFile picks a parser from the file extension: .json, .yaml/.yml,
// .csv or .dbc.
func LoadFile(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signal definitions: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".csv":
		return ParseCSV(bytes.NewReader(data))
	case ".dbc":
		return ParseDBC(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: unsupported signal file %q", ErrConfig, path)
	}
}
