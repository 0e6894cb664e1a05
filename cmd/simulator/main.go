package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/vbus-simulator/core"
	"github.com/signalsfoundry/vbus-simulator/internal/config"
	"github.com/signalsfoundry/vbus-simulator/internal/dbc"
	"github.com/signalsfoundry/vbus-simulator/internal/evaluator"
	"github.com/signalsfoundry/vbus-simulator/internal/export"
	"github.com/signalsfoundry/vbus-simulator/internal/logging"
	"github.com/signalsfoundry/vbus-simulator/internal/observability"
	"github.com/signalsfoundry/vbus-simulator/model"
)

// Exit codes.
const (
	exitPass   = 0
	exitFail   = 1
	exitConfig = 2
)

type options struct {
	ConfigPath  string
	Duration    time.Duration
	Mode        string
	MetricsAddr string
	PrintFrames bool
	Stdout      io.Writer
}

func main() {
	var opts options
	flag.StringVar(&opts.ConfigPath, "config", "configs/scenario.yaml", "Path to the YAML scenario")
	flag.DurationVar(&opts.Duration, "duration", 0, "Override the scenario duration (0 keeps the scenario value)")
	flag.StringVar(&opts.Mode, "mode", "", "Override the time mode: realtime or accelerated")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address")
	flag.BoolVar(&opts.PrintFrames, "print-frames", false, "Print every completed frame to stdout")
	flag.Parse()
	opts.Stdout = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

// run executes one scenario and returns the process exit code.
func run(ctx context.Context, opts options) int {
	scn, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load scenario: %v\n", err)
		return exitConfig
	}
	applyOverrides(scn, opts)

	base, closer := logging.Open(scn.LoggingConfig())
	defer closer.Close()
	// The engine reuses this run id, so setup and tick logs correlate.
	ctx, log := logging.WithRunLogger(ctx, base)
	ctx = logging.ContextWithLogger(ctx, log)

	shutdownTracing, err := observability.InitTracing(ctx, tracingConfig(scn, opts.ConfigPath), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return exitConfig
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	engine, collector, err := buildEngine(ctx, scn, base)
	if err != nil {
		log.Error(ctx, "failed to build simulation", logging.Err(err))
		return exitConfig
	}

	rec := &recorder{print: opts.PrintFrames, out: opts.Stdout}
	unsubscribe := engine.OnEvent(rec.observe)
	defer unsubscribe()

	if err := runEngine(ctx, engine, scn, collector, log); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		return exitConfig
	}

	report := engine.Finalize(context.Background())
	if err := writeExports(scn.Export, rec.records(), report); err != nil {
		log.Error(ctx, "export failed", logging.Err(err))
		return exitConfig
	}
	printSummary(opts.Stdout, logging.RunIDFromContext(ctx), engine.Now(), report)
	if !report.Summary.Pass {
		return exitFail
	}
	return exitPass
}

// tracingConfig starts from the VBUS_TRACING_* environment and lets the
// scenario switch tracing on or pick the exporter.
func tracingConfig(scn *config.Scenario, path string) observability.TracingConfig {
	cfg := observability.TracingConfigFromEnv()
	t := scn.Tracing
	if t.Enabled {
		cfg.Enabled = true
		cfg.ServiceName = t.ServiceName
		cfg.Insecure = t.Insecure
	}
	if t.Exporter != "" {
		cfg.Exporter = t.Exporter
	}
	if t.Endpoint != "" {
		cfg.Endpoint = t.Endpoint
	}
	if t.SampleRatio > 0 {
		cfg.SampleRatio = t.SampleRatio
	}
	cfg.Attributes = []attribute.KeyValue{
		attribute.String("vbus.scenario", path),
		attribute.Int64("vbus.seed", int64(scn.Simulation.Seed)),
		attribute.String("vbus.mode", scn.Simulation.Mode),
	}
	return cfg
}

func applyOverrides(scn *config.Scenario, opts options) {
	if opts.Duration > 0 {
		scn.Simulation.Duration = opts.Duration
	}
	if opts.Mode != "" {
		scn.Simulation.Mode = opts.Mode
	}
	if opts.MetricsAddr != "" {
		scn.Metrics.Enabled = true
		scn.Metrics.Addr = opts.MetricsAddr
	}
}

// buildEngine creates the engine and applies the scenario: nodes first,
// then faults, rules and the test script, which may reference the nodes.
func buildEngine(ctx context.Context, scn *config.Scenario, log logging.Logger) (*core.Engine, *observability.BusCollector, error) {
	if err := scn.Validate(); err != nil {
		return nil, nil, err
	}
	opts := []core.Option{core.WithLogger(log)}

	var collector *observability.BusCollector
	if scn.Metrics.Enabled {
		c, err := observability.NewBusCollector(prometheus.NewRegistry())
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: %w", err)
		}
		collector = c
		opts = append(opts, core.WithMetrics(c))
	}
	if scn.Signals != "" {
		db, err := dbc.LoadFile(scn.Signals)
		if err != nil {
			return nil, nil, fmt.Errorf("signals: %w", err)
		}
		opts = append(opts, core.WithSignals(db))
	}

	engine, err := core.New(scn.EngineConfig(), opts...)
	if err != nil {
		return nil, nil, err
	}

	nodes, err := scn.Nodes()
	if err != nil {
		return nil, nil, err
	}
	for _, n := range nodes {
		if err := engine.AddNode(ctx, n); err != nil {
			return nil, nil, err
		}
	}
	faults, err := scn.Faults()
	if err != nil {
		return nil, nil, err
	}
	for _, f := range faults {
		if _, err := engine.InjectFault(ctx, f); err != nil {
			return nil, nil, err
		}
	}
	rules, err := scn.Rules()
	if err != nil {
		return nil, nil, err
	}
	for _, r := range rules {
		if err := engine.AddRule(ctx, r); err != nil {
			return nil, nil, err
		}
	}
	if scn.Script != "" {
		script, err := evaluator.ParseScriptFile(scn.Script)
		if err != nil {
			return nil, nil, fmt.Errorf("script: %w", err)
		}
		if err := engine.RunScript(ctx, script); err != nil {
			return nil, nil, err
		}
	}
	return engine, collector, nil
}

// runEngine drives the simulation next to the metrics server and the signal
// file watcher. Whichever finishes first ends the others; an interrupt ends
// the run without error.
func runEngine(ctx context.Context, engine *core.Engine, scn *config.Scenario, collector *observability.BusCollector, log logging.Logger) error {
	var lis net.Listener
	if collector != nil {
		l, err := net.Listen("tcp", scn.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		lis = l
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		err := engine.Run(gctx, scn.Simulation.Duration)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if lis != nil {
		srv := &http.Server{
			Handler:           metricsMux(collector),
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info(ctx, "serving Prometheus metrics", logging.String("addr", lis.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if scn.WatchSignals && scn.Signals != "" {
		path := scn.Signals
		g.Go(func() error {
			return dbc.Watch(gctx, path, func(db *dbc.Database, err error) {
				if err != nil {
					log.Warn(gctx, "keeping previous signal definitions", logging.String("path", path), logging.Err(err))
					return
				}
				engine.LoadSignalDefinitions(gctx, db)
			})
		})
	}

	return g.Wait()
}

func metricsMux(collector *observability.BusCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

// recorder keeps every record of the run for export. The engine history is
// bounded, so exports are fed from the event stream instead.
type recorder struct {
	mu    sync.Mutex
	recs  []model.Record
	print bool
	out   io.Writer
}

func (r *recorder) observe(ev core.Event) {
	if ev.Kind != core.EventRecord || ev.Record == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, *ev.Record)
	if r.print && r.out != nil {
		status := "ok"
		if !ev.Record.Valid {
			status = "invalid: " + ev.Record.Error
		}
		fmt.Fprintf(r.out, "%s %s\n", ev.Record.Frame, status)
	}
}

func (r *recorder) records() []model.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Record(nil), r.recs...)
}

func writeExports(cfg config.Export, recs []model.Record, report evaluator.Report) error {
	for _, path := range []string{cfg.CSV, cfg.JSON, cfg.CBOR} {
		if path == "" {
			continue
		}
		if err := export.SaveFrames(path, recs); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if cfg.Verdicts != "" {
		if err := export.SaveVerdicts(cfg.Verdicts, report.Verdicts); err != nil {
			return fmt.Errorf("%s: %w", cfg.Verdicts, err)
		}
	}
	if cfg.Report != "" {
		if err := export.SaveReport(cfg.Report, report); err != nil {
			return fmt.Errorf("%s: %w", cfg.Report, err)
		}
	}
	return nil
}

func printSummary(w io.Writer, runID string, simulated time.Duration, report evaluator.Report) {
	if w == nil {
		return
	}
	s := report.Summary
	fmt.Fprintf(w, "run %s: %s simulated\n", runID, simulated)
	fmt.Fprintf(w, "rules: %d total, %d passed, %d failed, %d pending\n", s.Total, s.Passed, s.Failed, s.Pending)
	for _, c := range report.Cases {
		result := "PASS"
		if !c.Pass {
			result = "FAIL"
		}
		fmt.Fprintf(w, "  %-32s %s (%d rules)\n", c.Name, result, c.Rules)
	}
	for _, v := range report.Verdicts {
		if v.Result == model.Fail {
			fmt.Fprintf(w, "  FAIL %s: %s\n", v.Rule, v.Reason)
		}
	}
}
