package dbc

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/signalsfoundry/vbus-simulator/model"
)

// DBC marks extended identifiers by setting bit 31 of the message id.
const dbcExtendedFlag = 0x80000000

var (
	boPattern = regexp.MustCompile(`^BO_\s+(\d+)\s+(\w+)\s*:\s*(\d+)\s+(\S+)`)
	sgPattern = regexp.MustCompile(`^SG_\s+(\w+)\s*(\S*)\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*\(\s*([^,\s]+)\s*,\s*([^)\s]+)\s*\)\s*\[[^\]]*\]\s*"([^"]*)"`)
)

// ParseDBC reads the message and signal subset of the DBC format:
//
//	BO_ <id> <name>: <dlc> <transmitter>
//	 SG_ <name> : <start>|<length>@<order><sign> (<factor>,<offset>) [<min>|<max>] "<unit>" <receivers>
//
// Other sections are skipped. Multiplexed signals are rejected.
func ParseDBC(r io.Reader) (*Database, error) {
	sc := bufio.NewScanner(r)
	var (
		defs    []model.SignalDefinition
		current *uint32
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "BO_ "):
			m := boPattern.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("%w: dbc line %d: malformed BO_", ErrConfig, lineNo)
			}
			raw, err := strconv.ParseUint(m[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: dbc line %d: message id %q", ErrConfig, lineNo, m[1])
			}
			id := uint32(raw) &^ dbcExtendedFlag
			current = &id
		case strings.HasPrefix(line, "SG_ "):
			if current == nil {
				return nil, fmt.Errorf("%w: dbc line %d: SG_ outside a message", ErrConfig, lineNo)
			}
			def, err := parseSignalLine(line, *current)
			if err != nil {
				return nil, fmt.Errorf("dbc line %d: %w", lineNo, err)
			}
			defs = append(defs, def)
		case line == "":
			current = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dbc: %w", err)
	}
	return New(defs)
}

func parseSignalLine(line string, messageID uint32) (model.SignalDefinition, error) {
	m := sgPattern.FindStringSubmatch(line)
	if m == nil {
		return model.SignalDefinition{}, fmt.Errorf("%w: malformed SG_", ErrConfig)
	}
	if m[2] != "" {
		return model.SignalDefinition{}, fmt.Errorf("%w: multiplexed signal %q (%s) is not supported", ErrConfig, m[1], m[2])
	}
	start, _ := strconv.Atoi(m[3])
	length, _ := strconv.Atoi(m[4])
	factor, err := strconv.ParseFloat(m[7], 64)
	if err != nil {
		return model.SignalDefinition{}, fmt.Errorf("%w: factor %q", ErrConfig, m[7])
	}
	offset, err := strconv.ParseFloat(m[8], 64)
	if err != nil {
		return model.SignalDefinition{}, fmt.Errorf("%w: offset %q", ErrConfig, m[8])
	}
	order := model.LittleEndian
	if m[5] == "0" {
		order = model.BigEndian
	}
	return model.SignalDefinition{
		Name:      m[1],
		MessageID: messageID,
		StartBit:  start,
		BitLength: length,
		Factor:    factor,
		Offset:    offset,
		Unit:      m[9],
		ByteOrder: order,
		Signed:    m[6] == "-",
	}, nil
}
