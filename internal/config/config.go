// Package config loads simulation scenarios from YAML.
//
// Relative output paths (log file, export targets) always resolve against
// the scenario's directory. Relative inputs (signals, script) resolve there
// when the file exists, otherwise against the working directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/vbus-simulator/core"
	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/internal/logging"
	"github.com/signalsfoundry/vbus-simulator/model"
	"github.com/signalsfoundry/vbus-simulator/timectrl"
)

var ErrConfig = model.ErrConfig

const (
	DefaultMetricsAddr = ":9102"
	DefaultLogMaxSize  = 50
)

// Scenario is the top-level YAML document.
type Scenario struct {
	Simulation   Simulation `yaml:"simulation"`
	Buses        []Bus      `yaml:"buses"`
	NodeList     []Node     `yaml:"nodes"`
	Signals      string     `yaml:"signals"`
	WatchSignals bool       `yaml:"watchSignals"`
	Script       string     `yaml:"script"`
	FaultList    []Fault    `yaml:"faults"`
	RuleList     []Rule     `yaml:"rules"`
	Logging      Logging    `yaml:"logging"`
	Metrics      Metrics    `yaml:"metrics"`
	Tracing      Tracing    `yaml:"tracing"`
	Export       Export     `yaml:"export"`

	baseDir string
}

type Simulation struct {
	Tick time.Duration `yaml:"tick"`
	Mode string        `yaml:"mode"`
	Seed uint64        `yaml:"seed"`
	// Duration of a run; zero runs until interrupted.
	Duration         time.Duration `yaml:"duration"`
	HistorySize      int           `yaml:"historySize"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
}

type Bus struct {
	Type                model.BusType   `yaml:"type"`
	Bitrate             int             `yaml:"bitrate"`
	ErrorIncrement      int             `yaml:"errorIncrement"`
	EnhancedChecksumIDs []dbc.MessageID `yaml:"enhancedChecksumIds"`
}

type Node struct {
	ID     string        `yaml:"id"`
	Name   string        `yaml:"name"`
	Type   string        `yaml:"type"`
	Bus    model.BusType `yaml:"bus"`
	Status string        `yaml:"status"`
	Tx     []TxEntry     `yaml:"tx"`
}

type TxEntry struct {
	ID         dbc.MessageID `yaml:"id"`
	Extended   bool          `yaml:"extended"`
	IntervalMs int           `yaml:"intervalMs"`
	JitterMs   int           `yaml:"jitterMs"`
	// Data is either a list of tokens or one space separated string.
	Data patternTokens `yaml:"data"`
}

type patternTokens []string

// UnmarshalYAML accepts `data: "00 XX 10"` as well as `data: ["00", XX]`.
func (p *patternTokens) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*p = strings.Fields(value.Value)
		return nil
	}
	var tokens []string
	if err := value.Decode(&tokens); err != nil {
		return err
	}
	*p = tokens
	return nil
}

type Fault struct {
	Type        string         `yaml:"type"`
	MessageID   *dbc.MessageID `yaml:"messageId"`
	Node        string         `yaml:"node"`
	BitPosition *int           `yaml:"bitPosition"`
	DurationMs  int            `yaml:"durationMs"`
}

type Rule struct {
	ID          string         `yaml:"id"`
	Kind        string         `yaml:"kind"`
	MessageID   *dbc.MessageID `yaml:"messageId"`
	Bus         string         `yaml:"bus"`
	Sender      string         `yaml:"sender"`
	ExpectedMs  int            `yaml:"expectedMs"`
	ToleranceMs int            `yaml:"toleranceMs"`
	WithinMs    int            `yaml:"withinMs"`
	ForMs       int            `yaml:"forMs"`
	Node        string         `yaml:"node"`
	Status      string         `yaml:"status"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotated log file next to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Export names the files written when a run ends. Empty entries are
// skipped.
type Export struct {
	CSV      string `yaml:"csv"`
	JSON     string `yaml:"json"`
	CBOR     string `yaml:"cbor"`
	Verdicts string `yaml:"verdicts"`
	Report   string `yaml:"report"`
}

// Load reads the scenario at path, applies defaults and environment
// overrides and validates it.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, filepath.Dir(path))
}

// Parse decodes a scenario whose relative paths resolve against baseDir.
func Parse(r io.Reader, baseDir string) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	s.baseDir = baseDir
	s.resolvePaths()
	s.applyDefaults()
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseBytes is Parse for in-memory documents.
func ParseBytes(data []byte, baseDir string) (*Scenario, error) {
	return Parse(bytes.NewReader(data), baseDir)
}

// BaseDir is the directory relative paths were resolved against.
func (s *Scenario) BaseDir() string { return s.baseDir }

func (s *Scenario) resolvePaths() {
	input := func(p string) string {
		if p == "" || filepath.IsAbs(p) || s.baseDir == "" {
			return s.output(p)
		}
		candidate := filepath.Join(s.baseDir, p)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}
	s.Signals = input(s.Signals)
	s.Script = input(s.Script)
	s.Logging.File = s.output(s.Logging.File)
	s.Export.CSV = s.output(s.Export.CSV)
	s.Export.JSON = s.output(s.Export.JSON)
	s.Export.CBOR = s.output(s.Export.CBOR)
	s.Export.Verdicts = s.output(s.Export.Verdicts)
	s.Export.Report = s.output(s.Export.Report)
}

// output resolves a path that may not exist yet.
func (s *Scenario) output(p string) string {
	switch {
	case p == "":
		return ""
	case filepath.IsAbs(p):
		return filepath.Clean(p)
	default:
		return filepath.Join(s.baseDir, p)
	}
}

func (s *Scenario) applyDefaults() {
	if s.Simulation.Tick <= 0 {
		s.Simulation.Tick = core.DefaultTick
	}
	if s.Simulation.Mode == "" {
		s.Simulation.Mode = timectrl.Accelerated.String()
	}
	if s.Simulation.HistorySize <= 0 {
		s.Simulation.HistorySize = core.DefaultHistorySize
	}
	if s.Simulation.SubscriberBuffer <= 0 {
		s.Simulation.SubscriberBuffer = core.DefaultSubscriberBuffer
	}
	if len(s.Buses) == 0 {
		s.Buses = []Bus{{Type: model.BusCAN}}
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Logging.Format == "" {
		s.Logging.Format = "text"
	}
	if s.Logging.File != "" && s.Logging.MaxSizeMB <= 0 {
		s.Logging.MaxSizeMB = DefaultLogMaxSize
	}
	if s.Metrics.Enabled && s.Metrics.Addr == "" {
		s.Metrics.Addr = DefaultMetricsAddr
	}
	if s.Tracing.ServiceName == "" {
		s.Tracing.ServiceName = "vbus-simulator"
	}
}

// applyEnv lets VBUS_LOG_LEVEL and VBUS_LOG_FORMAT override the file.
func (s *Scenario) applyEnv() {
	if v := os.Getenv("VBUS_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}
	if v := os.Getenv("VBUS_LOG_FORMAT"); v != "" {
		s.Logging.Format = v
	}
}

// Validate checks every section and cross references between them.
func (s *Scenario) Validate() error {
	if _, ok := timectrl.ParseMode(s.Simulation.Mode); !ok {
		return fmt.Errorf("%w: unknown simulation mode %q", ErrConfig, s.Simulation.Mode)
	}
	if s.Simulation.Duration < 0 {
		return fmt.Errorf("%w: simulation duration %s is negative", ErrConfig, s.Simulation.Duration)
	}
	buses := make(map[model.BusType]struct{}, len(s.Buses))
	for _, b := range s.Buses {
		if _, dup := buses[b.Type]; dup {
			return fmt.Errorf("%w: bus %s configured twice", ErrConfig, b.Type)
		}
		buses[b.Type] = struct{}{}
		if b.Bitrate < 0 || b.ErrorIncrement < 0 {
			return fmt.Errorf("%w: bus %s has negative settings", ErrConfig, b.Type)
		}
	}

	nodes, err := s.Nodes()
	if err != nil {
		return err
	}
	refs := make(map[string]struct{}, 2*len(nodes))
	for _, n := range nodes {
		if _, dup := refs[n.ID]; dup {
			return fmt.Errorf("%w: node %q defined twice", ErrConfig, n.ID)
		}
		if _, ok := buses[n.Bus]; !ok {
			return fmt.Errorf("%w: node %q uses bus %s which is not configured", ErrConfig, n.ID, n.Bus)
		}
		refs[n.ID] = struct{}{}
		if n.Name != "" {
			refs[n.Name] = struct{}{}
		}
	}
	known := func(ref string) bool {
		_, ok := refs[ref]
		return ref == "" || ok
	}

	faults, err := s.Faults()
	if err != nil {
		return err
	}
	for i, f := range faults {
		if !known(f.TargetNodeID) {
			return fmt.Errorf("%w: faults[%d] targets unknown node %q", ErrConfig, i, f.TargetNodeID)
		}
	}
	rules, err := s.Rules()
	if err != nil {
		return err
	}
	for _, r := range rules {
		if !known(r.Node) || !known(r.Sender) {
			return fmt.Errorf("%w: rule %q references an unknown node", ErrConfig, r.ID)
		}
	}
	return nil
}

// EngineConfig converts the simulation and bus sections.
func (s *Scenario) EngineConfig() core.Config {
	mode, _ := timectrl.ParseMode(s.Simulation.Mode)
	cfg := core.Config{
		Tick:        s.Simulation.Tick,
		Mode:        mode,
		Seed:        s.Simulation.Seed,
		HistorySize: s.Simulation.HistorySize,
	}
	for _, b := range s.Buses {
		bc := core.BusConfig{
			Type:           b.Type,
			Bitrate:        b.Bitrate,
			ErrorIncrement: b.ErrorIncrement,
		}
		for _, id := range b.EnhancedChecksumIDs {
			bc.EnhancedChecksumIDs = append(bc.EnhancedChecksumIDs, uint32(id))
		}
		cfg.Buses = append(cfg.Buses, bc)
	}
	return cfg
}

// Nodes converts and validates the node section. A node without a status
// starts Stopped.
func (s *Scenario) Nodes() ([]model.Node, error) {
	out := make([]model.Node, 0, len(s.NodeList))
	for i, n := range s.NodeList {
		status := model.NodeStopped
		if n.Status != "" {
			st, err := model.ParseNodeStatus(n.Status)
			if err != nil {
				return nil, fmt.Errorf("nodes[%d]: %w", i, err)
			}
			status = st
		}
		typ := model.NodeType(n.Type)
		if typ == "" {
			typ = model.NodeTypeCustom
		}
		node := model.Node{
			ID:     n.ID,
			Name:   n.Name,
			Type:   typ,
			Bus:    n.Bus,
			Status: status,
		}
		for _, tx := range n.Tx {
			node.TxSchedule = append(node.TxSchedule, model.TxEntry{
				MessageID:   uint32(tx.ID),
				Extended:    tx.Extended,
				IntervalMs:  tx.IntervalMs,
				JitterMs:    tx.JitterMs,
				DataPattern: append([]string(nil), tx.Data...),
			})
		}
		if err := node.Validate(); err != nil {
			return nil, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		out = append(out, node)
	}
	return out, nil
}

// Faults converts the fault section.
func (s *Scenario) Faults() ([]model.FaultSpec, error) {
	out := make([]model.FaultSpec, 0, len(s.FaultList))
	for i, f := range s.FaultList {
		typ, err := model.ParseFaultType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("faults[%d]: %w", i, err)
		}
		spec := model.FaultSpec{
			Type:         typ,
			TargetNodeID: f.Node,
			BitPosition:  f.BitPosition,
			DurationMs:   f.DurationMs,
		}
		if f.MessageID != nil {
			id := uint32(*f.MessageID)
			spec.TargetMessageID = &id
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("faults[%d]: %w", i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Rules converts the rule section. Rules without an id are numbered
// "scenario/N".
func (s *Scenario) Rules() ([]evaluator.Rule, error) {
	out := make([]evaluator.Rule, 0, len(s.RuleList))
	for i, r := range s.RuleList {
		rule := evaluator.Rule{
			ID:          r.ID,
			Kind:        evaluator.Kind(strings.ToLower(strings.TrimSpace(r.Kind))),
			Case:        "scenario",
			Sender:      r.Sender,
			ExpectedMs:  r.ExpectedMs,
			ToleranceMs: r.ToleranceMs,
			WithinMs:    r.WithinMs,
			ForMs:       r.ForMs,
			Node:        r.Node,
			Status:      r.Status,
		}
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("scenario/%d", i+1)
		}
		if r.MessageID != nil {
			id := uint32(*r.MessageID)
			rule.MessageID = &id
		}
		if r.Bus != "" {
			bus, err := model.ParseBusType(r.Bus)
			if err != nil {
				return nil, fmt.Errorf("rules[%d]: %w", i, err)
			}
			rule.Bus = bus
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// LoggingConfig converts the logging section.
func (s *Scenario) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      s.Logging.Level,
		Format:     s.Logging.Format,
		File:       s.Logging.File,
		MaxSizeMB:  s.Logging.MaxSizeMB,
		MaxBackups: s.Logging.MaxBackups,
		MaxAgeDays: s.Logging.MaxAgeDays,
		Compress:   s.Logging.Compress,
	}
}
