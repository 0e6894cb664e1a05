// Package core wires the bus simulation together: it owns the clock, the
// node registry, the buses, fault injection, signal decoding and the
// evaluator, and runs them in a fixed order on every tick.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/vbus-simulator/internal/codec"
	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/internal/ecu"
	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/internal/fault"
	"github.com/signalsfoundry/vbus-simulator/internal/logging"
	"github.com/signalsfoundry/vbus-simulator/internal/sched"
	"github.com/signalsfoundry/vbus-simulator/internal/vbus"
	"github.com/signalsfoundry/vbus-simulator/kb"
	"github.com/signalsfoundry/vbus-simulator/model"
	"github.com/signalsfoundry/vbus-simulator/timectrl"
)

// Re-exported so callers can check command errors against core.* only.
var (
	ErrConfig            = model.ErrConfig
	ErrNodeExists        = kb.ErrNodeExists
	ErrNodeNotFound      = kb.ErrNodeNotFound
	ErrIllegalTransition = kb.ErrIllegalTransition
	ErrUnknownFault      = fault.ErrUnknownHandle
	// ErrStopped is returned by commands issued after Stop.
	ErrStopped = errors.New("simulation stopped")
)

const (
	DefaultTick        = time.Millisecond
	DefaultHistorySize = 10_000
)

// BusConfig configures one simulated medium.
type BusConfig struct {
	Type    model.BusType
	Bitrate int
	// ErrorIncrement defaults to vbus.DefaultErrorIncrement.
	ErrorIncrement int
	// EnhancedChecksumIDs selects the LIN enhanced checksum per frame id.
	EnhancedChecksumIDs []uint32
}

// Config parameterizes an Engine.
type Config struct {
	Tick time.Duration
	Mode timectrl.Mode
	// Seed feeds every pseudo-random choice: jitter, simulated payloads
	// and fault handles.
	Seed uint64
	// Buses defaults to a single CAN bus.
	Buses []BusConfig
	// HistorySize bounds the record history kept for Snapshot and Query.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if len(c.Buses) == 0 {
		c.Buses = []BusConfig{{Type: model.BusCAN}}
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// MetricsRecorder receives engine activity. observability.BusCollector
// implements it.
type MetricsRecorder interface {
	ObserveFrame(bus string, valid bool)
	ObserveDecodeError(bus string)
	ObserveArbitrationLoss(node string)
	SetErrorCounter(node string, value int)
	ObserveBusOff(node string)
	ObserveFault(kind string)
	ObserveVerdict(result string)
	ObserveDroppedEvents(n int)
	ObserveTick(d time.Duration)
	SetNodes(n int)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSignals preloads a signal database.
func WithSignals(db *dbc.Database) Option {
	return func(e *Engine) { e.db = db }
}

// Engine runs one simulation. Ticks and commands are serialized by a
// single mutex, so commands issued while running take effect at the next
// tick boundary.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	clock    *timectrl.TimeController
	events   sched.EventScheduler
	registry *kb.NodeRegistry
	ecu      *ecu.Scheduler
	buses    map[model.BusType]*vbus.Bus
	busOrder []model.BusType
	faults   *fault.Engine
	eval     *evaluator.Evaluator
	db       *dbc.Database

	history *history
	outbox  []Event
	stopped bool
	cancel  context.CancelFunc
	// runCtx carries the run logger into ticks while Run is active.
	runCtx context.Context

	log     logging.Logger
	metrics MetricsRecorder

	pubMu   sync.Mutex
	subs    *subscribers
	dropped atomic.Uint64
}

// New builds an Engine with no nodes.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		clock:    timectrl.NewTimeController(cfg.Tick, cfg.Mode),
		registry: kb.NewNodeRegistry(),
		buses:    make(map[model.BusType]*vbus.Bus),
		faults:   fault.New(cfg.Seed),
		eval:     evaluator.New(),
		history:  newHistory(cfg.HistorySize),
		log:      logging.Noop(),
		subs:     newSubscribers(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	for _, bc := range cfg.Buses {
		if _, dup := e.buses[bc.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate %s bus", ErrConfig, bc.Type)
		}
		if bc.Type == model.BusLIN && bc.Bitrate > 20_000 {
			return nil, fmt.Errorf("%w: LIN bitrate %d exceeds 20 kbit/s", ErrConfig, bc.Bitrate)
		}
		e.buses[bc.Type] = vbus.New(vbus.Config{
			Type:           bc.Type,
			Bitrate:        bc.Bitrate,
			ErrorIncrement: bc.ErrorIncrement,
			Codec:          codec.New(codec.WithEnhancedChecksum(bc.EnhancedChecksumIDs...)),
		})
		e.busOrder = append(e.busOrder, bc.Type)
	}

	e.events = sched.NewEventScheduler(e.clock)
	e.ecu = ecu.New(e.events, e.registry, cfg.Seed, e.intercept)
	e.registry.Subscribe(e.onRegistryEvent)
	e.clock.AddListener(e.tick)
	return e, nil
}

// Now returns the current simulation time.
func (e *Engine) Now() time.Duration {
	return e.clock.Now()
}

// Step runs n ticks synchronously and returns the new simulation time.
func (e *Engine) Step(n int) time.Duration {
	return e.clock.Step(n)
}

// Run drives ticks until duration of simulation time has elapsed (forever
// when zero), ctx is done or Stop is called. Stop makes Run return nil.
func (e *Engine) Run(ctx context.Context, duration time.Duration) error {
	ctx, span := startSpan(ctx, "vbus.Run", "simulation", "",
		attrDuration("duration_ms", duration))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx, log := logging.WithRunLogger(ctx, e.log)
	ctx = logging.ContextWithLogger(ctx, log)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.cancel = cancel
	e.runCtx = ctx
	e.mu.Unlock()

	log.Info(ctx, "simulation started",
		logging.String("mode", e.cfg.Mode.String()),
		logging.String("tick", e.cfg.Tick.String()),
		logging.Int("nodes", len(e.registry.List())),
	)
	err := e.clock.Run(ctx, duration)

	e.mu.Lock()
	stopped := e.stopped
	e.cancel = nil
	e.runCtx = nil
	e.mu.Unlock()
	if stopped && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		span.RecordError(err)
	}
	log.Info(ctx, "simulation finished", logging.String("sim_time", e.Now().String()))
	return err
}

// Stop ends the simulation. No further tick runs; active faults, pending
// node schedules and queued frames are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	e.ecu.Reset()
	e.faults.Reset()
	for _, n := range e.registry.List() {
		if b := e.buses[n.Bus]; b != nil {
			b.Purge(n.ID)
		}
	}
}

// Stopped reports whether Stop was called.
func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Finalize resolves every open evaluator rule at the current time and
// returns the resulting report.
func (e *Engine) Finalize(ctx context.Context) evaluator.Report {
	_, span := startSpan(ctx, "vbus.Finalize", "evaluator", "")
	defer span.End()

	e.mu.Lock()
	now := e.clock.Now()
	for _, v := range e.eval.Finalize(now) {
		e.emitVerdictLocked(ctx, v)
	}
	rep := e.eval.Report()
	events := e.takeOutboxLocked()
	e.mu.Unlock()

	e.publish(events)
	return rep
}

// Report summarizes the verdicts reached so far.
func (e *Engine) Report() evaluator.Report {
	return e.eval.Report()
}

// Bus returns the simulated bus of type t.
func (e *Engine) Bus(t model.BusType) (*vbus.Bus, bool) {
	b, ok := e.buses[t]
	return b, ok
}

// Dropped returns how many events subscribers missed because their buffer
// was full.
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Engine) busFor(n model.Node) (*vbus.Bus, error) {
	b, ok := e.buses[n.Bus]
	if !ok {
		return nil, fmt.Errorf("%w: node %q uses %s but no such bus is configured", ErrConfig, n.ID, n.Bus)
	}
	return b, nil
}
