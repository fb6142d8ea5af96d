package metrics

import "time"

// OrderEvent is a single applied order transition to be recorded.
type OrderEvent struct {
	OrderID  string
	Status   string
	DriverID string
	Revision uint64
	Time     time.Time
}

// AcceptEvent captures the outcome of one accept attempt, won or lost.
type AcceptEvent struct {
	OrderID  string
	DriverID string
	Won      bool
	Reason   string
	// Latency is the time between order creation and the winning accept.
	Latency time.Duration
	Time    time.Time
}

// Sink records dispatch activity for observability purposes.
type Sink interface {
	RecordOrderEvent(ev OrderEvent) error
	RecordAccept(ev AcceptEvent) error
}

// PoolSizeRecorder is implemented by sinks able to record pool occupancy.
type PoolSizeRecorder interface {
	RecordPoolSize(available, busy int) error
}

// BroadcastRecorder is implemented by sinks able to record new-order
// broadcast fan-out width.
type BroadcastRecorder interface {
	RecordBroadcast(orderID string, recipients int) error
}

// NopSink implements Sink with no-op methods.
type NopSink struct{}

func (NopSink) RecordOrderEvent(OrderEvent) error       { return nil }
func (NopSink) RecordAccept(AcceptEvent) error          { return nil }
func (NopSink) RecordPoolSize(int, int) error           { return nil }
func (NopSink) RecordBroadcast(string, int) error       { return nil }

// Config holds sink settings loaded from configuration.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}
