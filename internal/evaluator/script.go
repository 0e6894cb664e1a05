package evaluator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// Case is one TEST_CASE block: faults to inject when the case starts and
// the rules it checks.
type Case struct {
	Name   string
	Line   int
	Faults []model.FaultSpec
	Rules  []Rule
}

// Script is a parsed test script.
type Script struct {
	Cases []Case
}

// Rules returns the rules of every case in script order.
func (s *Script) Rules() []Rule {
	var out []Rule
	for _, c := range s.Cases {
		out = append(out, c.Rules...)
	}
	return out
}

// ParseScriptFile reads a test script from path.
func ParseScriptFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseScript(f)
}

var stmtRe = regexp.MustCompile(`^([A-Z_]+)\s*\((.*)\)$`)

type arg struct {
	key   string
	value string
}

// messageExpectation collects EXPECT_MESSAGE_ID and its modifiers until
// the next statement that starts a new expectation.
type messageExpectation struct {
	id       uint32
	bus      model.BusType
	sender   string
	interval []int
	within   *int
}

type scriptParser struct {
	script *Script
	cur    *Case
	msg    *messageExpectation
	line   int
}

// ParseScript parses the test script language:
//
//	TEST_CASE("Engine ECU Heartbeat")
//	  EXPECT_MESSAGE_ID("0x1A0")
//	  WITH_INTERVAL(100, 10) // 100ms +/- 10ms
//	  FROM_NODE("engine")
//	END_CASE
//
// Statements outside TEST_CASE blocks are rejected with ErrConfig.
func ParseScript(r io.Reader) (*Script, error) {
	p := &scriptParser{script: &Script{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.line++
		text := strings.TrimSpace(stripComment(sc.Text()))
		if text == "" {
			continue
		}
		if err := p.statement(text); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrConfig, p.line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if p.cur != nil {
		return nil, fmt.Errorf("%w: test case %q starting on line %d has no END_CASE", ErrConfig, p.cur.Name, p.cur.Line)
	}
	return p.script, nil
}

func (p *scriptParser) statement(text string) error {
	if text == "END_CASE" || text == "END_CASE()" {
		if p.cur == nil {
			return fmt.Errorf("END_CASE without TEST_CASE")
		}
		if err := p.flushMessage(); err != nil {
			return err
		}
		p.script.Cases = append(p.script.Cases, *p.cur)
		p.cur = nil
		return nil
	}
	m := stmtRe.FindStringSubmatch(text)
	if m == nil {
		return fmt.Errorf("cannot parse %q", text)
	}
	name := m[1]
	args, err := splitArgs(m[2])
	if err != nil {
		return err
	}
	if name == "TEST_CASE" {
		if p.cur != nil {
			return fmt.Errorf("nested TEST_CASE inside %q", p.cur.Name)
		}
		title, err := positional(args, 0, name)
		if err != nil {
			return err
		}
		p.cur = &Case{Name: title, Line: p.line}
		return nil
	}
	if p.cur == nil {
		return fmt.Errorf("%s outside TEST_CASE", name)
	}
	switch name {
	case "WITH_INTERVAL", "WITHIN", "FROM_NODE":
	default:
		if err := p.flushMessage(); err != nil {
			return err
		}
	}

	switch name {
	case "EXPECT_MESSAGE_ID":
		id, err := idArg(args, 0, name)
		if err != nil {
			return err
		}
		bus, err := busArg(args)
		if err != nil {
			return err
		}
		p.msg = &messageExpectation{id: id, bus: bus}
	case "WITH_INTERVAL":
		if p.msg == nil {
			return fmt.Errorf("WITH_INTERVAL without EXPECT_MESSAGE_ID")
		}
		exp, err := intArg(args, 0, "", name)
		if err != nil {
			return err
		}
		tol, err := intArg(args, 1, "TOLERANCE", name)
		if err != nil {
			return err
		}
		p.msg.interval = []int{exp, tol}
	case "WITHIN":
		if p.msg == nil {
			return fmt.Errorf("WITHIN without EXPECT_MESSAGE_ID")
		}
		w, err := intArg(args, 0, "", name)
		if err != nil {
			return err
		}
		p.msg.within = &w
	case "FROM_NODE":
		if p.msg == nil {
			return fmt.Errorf("FROM_NODE without EXPECT_MESSAGE_ID")
		}
		node, err := positional(args, 0, name)
		if err != nil {
			return err
		}
		p.msg.sender = node
	case "EXPECT_MESSAGE_ID_ABSENT":
		id, err := idArg(args, 0, name)
		if err != nil {
			return err
		}
		forMs, err := intArg(args, 1, "TIMEOUT", name)
		if err != nil {
			return err
		}
		bus, err := busArg(args)
		if err != nil {
			return err
		}
		r := MessageAbsence(id, forMs).OnBus(bus)
		r.Sender = named(args, "FROM")
		return p.addRule(r)
	case "EXPECT_NODE_STATUS":
		node, err := positional(args, 0, name)
		if err != nil {
			return err
		}
		status, err := positional(args, 1, name)
		if err != nil {
			return err
		}
		within := 0
		if hasArg(args, 2, "WITHIN") {
			if within, err = intArg(args, 2, "WITHIN", name); err != nil {
				return err
			}
		}
		return p.addRule(NodeStatusExpectation(node, status, within))
	case "EXPECT_VALID_CHECKSUM":
		var id *uint32
		if hasArg(args, 0, "ID") {
			v, err := idArg(args, 0, name)
			if err != nil {
				return err
			}
			id = &v
		}
		bus, err := busArg(args)
		if err != nil {
			return err
		}
		r := ChecksumValidity(id).OnBus(bus)
		r.Sender = named(args, "FROM")
		return p.addRule(r)
	case "INJECT_FAULT":
		spec, err := faultArgs(args)
		if err != nil {
			return err
		}
		p.cur.Faults = append(p.cur.Faults, spec)
	default:
		return fmt.Errorf("unknown statement %s", name)
	}
	return nil
}

func (p *scriptParser) flushMessage() error {
	m := p.msg
	if m == nil {
		return nil
	}
	p.msg = nil
	if m.interval != nil {
		if err := p.addRule(MessageIntervalTolerance(m.id, m.interval[0], m.interval[1]).FromNode(m.sender).OnBus(m.bus)); err != nil {
			return err
		}
	}
	if m.within == nil && m.interval != nil {
		return nil
	}
	within := 0
	if m.within != nil {
		within = *m.within
	}
	return p.addRule(MessagePresence(m.id, within).FromNode(m.sender).OnBus(m.bus))
}

func (p *scriptParser) addRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.Case = p.cur.Name
	r.ID = fmt.Sprintf("%s/%d", p.cur.Name, len(p.cur.Rules)+1)
	p.cur.Rules = append(p.cur.Rules, r)
	return nil
}

func faultArgs(args []arg) (model.FaultSpec, error) {
	typ, err := positional(args, 0, "INJECT_FAULT")
	if err != nil {
		return model.FaultSpec{}, err
	}
	ft, err := model.ParseFaultType(typ)
	if err != nil {
		return model.FaultSpec{}, err
	}
	spec := model.FaultSpec{Type: ft, TargetNodeID: named(args, "NODE")}
	if v := named(args, "ID"); v != "" {
		id, err := dbc.ParseID(v)
		if err != nil {
			return spec, err
		}
		spec.TargetMessageID = &id
	}
	if v := named(args, "BIT"); v != "" {
		bit, err := strconv.Atoi(v)
		if err != nil {
			return spec, fmt.Errorf("INJECT_FAULT: BIT %q is not an integer", v)
		}
		spec.BitPosition = &bit
	}
	if v := named(args, "DURATION"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			return spec, fmt.Errorf("INJECT_FAULT: DURATION %q is not an integer", v)
		}
		spec.DurationMs = d
	}
	return spec, spec.Validate()
}

// splitArgs splits a comma separated argument list, honouring quotes.
func splitArgs(s string) ([]arg, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var parts []string
	var cur strings.Builder
	inQuote, escaped := false, false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated string in %q", s)
	}
	parts = append(parts, cur.String())

	out := make([]arg, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		var a arg
		if k, v, ok := strings.Cut(part, "="); ok && !strings.HasPrefix(part, `"`) {
			a.key = strings.ToUpper(strings.TrimSpace(k))
			part = strings.TrimSpace(v)
		}
		if strings.HasPrefix(part, `"`) {
			v, err := strconv.Unquote(part)
			if err != nil {
				return nil, fmt.Errorf("bad string %s", part)
			}
			part = v
		}
		a.value = part
		out = append(out, a)
	}
	return out, nil
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '"' && (i == 0 || line[i-1] != '\\'):
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(line[i:], "//"):
			return line[:i]
		}
	}
	return line
}

// lookup returns the argument named key, or else the positional argument
// at index i.
func lookup(args []arg, i int, key string) (string, bool) {
	if key != "" {
		for _, a := range args {
			if a.key == key {
				return a.value, true
			}
		}
	}
	if i >= 0 && i < len(args) && args[i].key == "" {
		return args[i].value, true
	}
	return "", false
}

func hasArg(args []arg, i int, key string) bool {
	_, ok := lookup(args, i, key)
	return ok
}

func named(args []arg, key string) string {
	v, _ := lookup(args, -1, key)
	return v
}

func positional(args []arg, i int, stmt string) (string, error) {
	v, ok := lookup(args, i, "")
	if !ok || v == "" {
		return "", fmt.Errorf("%s: missing argument %d", stmt, i+1)
	}
	return v, nil
}

// busArg reads the optional BUS= argument; CAN when absent.
func busArg(args []arg) (model.BusType, error) {
	v := named(args, "BUS")
	if v == "" {
		return model.BusCAN, nil
	}
	return model.ParseBusType(v)
}

func idArg(args []arg, i int, stmt string) (uint32, error) {
	v, ok := lookup(args, i, "ID")
	if !ok {
		return 0, fmt.Errorf("%s: missing message id", stmt)
	}
	return dbc.ParseID(v)
}

func intArg(args []arg, i int, key, stmt string) (int, error) {
	v, ok := lookup(args, i, key)
	if !ok {
		return 0, fmt.Errorf("%s: missing argument %d", stmt, i+1)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", stmt, v)
	}
	return n, nil
}
