package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/routa/dispatch/core/metrics"
)

// PromSink records dispatch activity in Prometheus metrics.
type PromSink struct {
	transitions *prometheus.CounterVec
	accepts     *prometheus.CounterVec
	latency     prometheus.Histogram
	broadcast   prometheus.Histogram
	available   prometheus.Gauge
	busy        prometheus.Gauge
}

// NewPromSink registers dispatch metrics on the default Prometheus registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_order_transitions_total",
			Help: "Applied order status transitions",
		}, []string{"status"}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_accept_attempts_total",
			Help: "Accept attempts by outcome",
		}, []string{"won", "reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_accept_latency_seconds",
			Help:    "Time between order creation and the winning accept",
			Buckets: prometheus.DefBuckets,
		}),
		broadcast: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_broadcast_recipients",
			Help:    "Drivers notified per new-order broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_drivers_available",
			Help: "Drivers currently available for matching",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_drivers_busy",
			Help: "Drivers currently serving an order",
		}),
	}
	collectors := []prometheus.Collector{
		s.transitions, s.accepts, s.latency, s.broadcast, s.available, s.busy,
	}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch i {
				case 0:
					s.transitions = are.ExistingCollector.(*prometheus.CounterVec)
				case 1:
					s.accepts = are.ExistingCollector.(*prometheus.CounterVec)
				case 2:
					s.latency = are.ExistingCollector.(prometheus.Histogram)
				case 3:
					s.broadcast = are.ExistingCollector.(prometheus.Histogram)
				case 4:
					s.available = are.ExistingCollector.(prometheus.Gauge)
				case 5:
					s.busy = are.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			return nil, err
		}
	}
	return s, nil
}

// RecordOrderEvent increments the transition counter.
func (s *PromSink) RecordOrderEvent(ev coremetrics.OrderEvent) error {
	s.transitions.WithLabelValues(ev.Status).Inc()
	return nil
}

// RecordAccept counts the attempt and, for the winner, observes the latency
// between order creation and acceptance.
func (s *PromSink) RecordAccept(ev coremetrics.AcceptEvent) error {
	s.accepts.WithLabelValues(strconv.FormatBool(ev.Won), ev.Reason).Inc()
	if ev.Won {
		s.latency.Observe(ev.Latency.Seconds())
	}
	return nil
}

// RecordPoolSize sets the availability gauges.
func (s *PromSink) RecordPoolSize(available, busy int) error {
	s.available.Set(float64(available))
	s.busy.Set(float64(busy))
	return nil
}

// RecordBroadcast observes the fan-out width of a new-order broadcast.
func (s *PromSink) RecordBroadcast(_ string, recipients int) error {
	s.broadcast.Observe(float64(recipients))
	return nil
}
