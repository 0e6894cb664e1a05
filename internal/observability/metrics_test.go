package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/signalsfoundry/vbus-simulator/core"
)

var _ core.MetricsRecorder = (*BusCollector)(nil)

func TestBusCollectorRecordsActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewBusCollector(reg)
	if err != nil {
		t.Fatalf("NewBusCollector: %v", err)
	}

	c.ObserveFrame("CAN", true)
	c.ObserveFrame("CAN", true)
	c.ObserveFrame("CAN", false)
	c.ObserveDecodeError("LIN")
	c.ObserveArbitrationLoss("brake")
	c.SetErrorCounter("engine", 8)
	c.SetErrorCounter("engine", 16)
	c.ObserveBusOff("engine")
	c.ObserveFault("bit_error")
	c.ObserveVerdict("FAIL")
	c.ObserveDroppedEvents(3)
	c.ObserveDroppedEvents(0)
	c.ObserveTick(200 * time.Microsecond)
	c.SetNodes(2)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"valid frames", testutil.ToFloat64(c.Frames.WithLabelValues("CAN", "true")), 2},
		{"invalid frames", testutil.ToFloat64(c.Frames.WithLabelValues("CAN", "false")), 1},
		{"decode errors", testutil.ToFloat64(c.DecodeErrors.WithLabelValues("LIN")), 1},
		{"arbitration losses", testutil.ToFloat64(c.ArbitrationLosses.WithLabelValues("brake")), 1},
		{"error counter", testutil.ToFloat64(c.ErrorCounters.WithLabelValues("engine")), 16},
		{"bus off", testutil.ToFloat64(c.BusOffs.WithLabelValues("engine")), 1},
		{"faults", testutil.ToFloat64(c.FaultsApplied.WithLabelValues("bit_error")), 1},
		{"verdicts", testutil.ToFloat64(c.Verdicts.WithLabelValues("FAIL")), 1},
		{"dropped", testutil.ToFloat64(c.DroppedEvents), 3},
		{"nodes", testutil.ToFloat64(c.Nodes), 2},
	}
	for _, chk := range checks {
		if chk.got != chk.want {
			t.Errorf("%s = %v, want %v", chk.name, chk.got, chk.want)
		}
	}
	if count := histogramSampleCount(t, reg, "vbus_tick_duration_seconds", nil); count != 1 {
		t.Fatalf("vbus_tick_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewBusCollector(reg)
	if err != nil {
		t.Fatalf("first NewBusCollector: %v", err)
	}
	second, err := NewBusCollector(reg)
	if err != nil {
		t.Fatalf("second NewBusCollector: %v", err)
	}
	first.ObserveBusOff("gw")
	if got := testutil.ToFloat64(second.BusOffs.WithLabelValues("gw")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *BusCollector
	c.ObserveFrame("CAN", true)
	c.SetErrorCounter("x", 1)
	c.SetNodes(1)
	var s *SchedulerCollector
	s.ObserveTick(time.Millisecond)
	if s.Gatherer() != nil {
		t.Fatal("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesBusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewBusCollector(reg)
	if err != nil {
		t.Fatalf("NewBusCollector: %v", err)
	}
	c.ObserveFrame("LIN", true)
	c.SetErrorCounter("door", 24)
	c.SetNodes(5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`vbus_frames_total{bus="LIN",valid="true"} 1`,
		`vbus_node_error_counter{node="door"} 24`,
		`vbus_nodes 5`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in /metrics output:\n%s", want, body)
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("VBUS_TRACING_ENABLED", "TRUE")
	t.Setenv("VBUS_TRACING_EXPORTER", "OTLP")
	t.Setenv("VBUS_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("VBUS_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("VBUS_OTLP_INSECURE", "false")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 || cfg.Insecure {
		t.Fatalf("unexpected sampling/TLS settings %+v", cfg)
	}
	if cfg.ServiceName != "vbus-simulator" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}

	t.Setenv("VBUS_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out of range ratio gave %v, want default 1", got)
	}
}

func TestInitTracingDisabledAndUnsupported(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}
	ShutdownWithTimeout(ctx, shutdown, nil)

	if _, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStdoutTracingWritesSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	ctx := context.Background()
	var buf bytes.Buffer
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "vbus-test",
		Output:      &buf,
		Attributes:  []attribute.KeyValue{attribute.Int64("vbus.seed", 42)},
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "Engine.Run")
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)

	out := buf.String()
	for _, want := range []string{"Engine.Run", "vbus.seed", "vbus-test"} {
		if !strings.Contains(out, want) {
			t.Fatalf("span output missing %q:\n%s", want, out)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
