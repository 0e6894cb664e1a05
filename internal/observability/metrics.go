package observability

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BusCollector bundles Prometheus metrics for the simulated buses and
// implements core.MetricsRecorder.
type BusCollector struct {
	gatherer prometheus.Gatherer

	Frames            *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	ArbitrationLosses *prometheus.CounterVec
	ErrorCounters     *prometheus.GaugeVec
	BusOffs           *prometheus.CounterVec
	Nodes             prometheus.Gauge

	*SchedulerCollector
}

// NewBusCollector registers bus metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewBusCollector(reg prometheus.Registerer) (*BusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbus_frames_total",
		Help: "Frames completed on the bus, labeled by bus type and codec result.",
	}, []string{"bus", "valid"}), "vbus_frames_total")
	if err != nil {
		return nil, err
	}
	decodeErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbus_decode_errors_total",
		Help: "Frames whose signals could not be decoded.",
	}, []string{"bus"}), "vbus_decode_errors_total")
	if err != nil {
		return nil, err
	}
	losses, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbus_arbitration_losses_total",
		Help: "Arbitration rounds lost, labeled by node.",
	}, []string{"node"}), "vbus_arbitration_losses_total")
	if err != nil {
		return nil, err
	}
	errorCounters, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vbus_node_error_counter",
		Help: "Current transmit error counter of each node controller.",
	}, []string{"node"}), "vbus_node_error_counter")
	if err != nil {
		return nil, err
	}
	busOffs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbus_bus_off_total",
		Help: "Times a node controller entered bus-off.",
	}, []string{"node"}), "vbus_bus_off_total")
	if err != nil {
		return nil, err
	}
	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vbus_nodes",
		Help: "Current number of registered nodes.",
	}), "vbus_nodes")
	if err != nil {
		return nil, err
	}
	sched, err := NewSchedulerCollector(reg)
	if err != nil {
		return nil, err
	}

	return &BusCollector{
		gatherer:           gatherer,
		Frames:             frames,
		DecodeErrors:       decodeErrors,
		ArbitrationLosses:  losses,
		ErrorCounters:      errorCounters,
		BusOffs:            busOffs,
		Nodes:              nodes,
		SchedulerCollector: sched,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *BusCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveFrame counts one completed frame.
func (c *BusCollector) ObserveFrame(bus string, valid bool) {
	if c == nil || c.Frames == nil {
		return
	}
	c.Frames.WithLabelValues(bus, strconv.FormatBool(valid)).Inc()
}

func (c *BusCollector) ObserveDecodeError(bus string) {
	if c == nil || c.DecodeErrors == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(bus).Inc()
}

func (c *BusCollector) ObserveArbitrationLoss(node string) {
	if c == nil || c.ArbitrationLosses == nil {
		return
	}
	c.ArbitrationLosses.WithLabelValues(node).Inc()
}

func (c *BusCollector) SetErrorCounter(node string, value int) {
	if c == nil || c.ErrorCounters == nil {
		return
	}
	c.ErrorCounters.WithLabelValues(node).Set(float64(value))
}

func (c *BusCollector) ObserveBusOff(node string) {
	if c == nil || c.BusOffs == nil {
		return
	}
	c.BusOffs.WithLabelValues(node).Inc()
}

// SetNodes updates the node gauge.
func (c *BusCollector) SetNodes(n int) {
	if c == nil || c.Nodes == nil {
		return
	}
	c.Nodes.Set(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
