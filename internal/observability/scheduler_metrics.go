package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes metrics of the tick loop and what it feeds:
// tick latency, injected faults, verdicts and dropped subscriber events.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	TickDuration  prometheus.Histogram
	FaultsApplied *prometheus.CounterVec
	Verdicts      *prometheus.CounterVec
	DroppedEvents prometheus.Counter
}

// NewSchedulerCollector registers tick loop metrics against the provided
// registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vbus_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one simulation tick.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	})
	tickHistogram, err := registerHistogram(reg, tickHistogram, "vbus_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbus_faults_applied_total",
		Help: "Fault applications, labeled by fault type.",
	}, []string{"type"}), "vbus_faults_applied_total")
	if err != nil {
		return nil, err
	}

	verdicts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbus_verdicts_total",
		Help: "Evaluator verdicts, labeled by result.",
	}, []string{"result"}), "vbus_verdicts_total")
	if err != nil {
		return nil, err
	}

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vbus_dropped_events_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})
	dropped, err = registerCounter(reg, dropped, "vbus_dropped_events_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:      gatherer,
		TickDuration:  tickHistogram,
		FaultsApplied: faults,
		Verdicts:      verdicts,
		DroppedEvents: dropped,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records how long one tick took to process.
func (c *SchedulerCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

func (c *SchedulerCollector) ObserveFault(kind string) {
	if c == nil || c.FaultsApplied == nil {
		return
	}
	c.FaultsApplied.WithLabelValues(kind).Inc()
}

func (c *SchedulerCollector) ObserveVerdict(result string) {
	if c == nil || c.Verdicts == nil {
		return
	}
	c.Verdicts.WithLabelValues(result).Inc()
}

// ObserveDroppedEvents adds n to the dropped event counter.
func (c *SchedulerCollector) ObserveDroppedEvents(n int) {
	if c == nil || c.DroppedEvents == nil || n <= 0 {
		return
	}
	c.DroppedEvents.Add(float64(n))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
