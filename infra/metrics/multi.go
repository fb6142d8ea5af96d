package metrics

import coremetrics "github.com/routa/dispatch/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordOrderEvent forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordOrderEvent(ev coremetrics.OrderEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordOrderEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordAccept forwards accept outcomes.
func (m *MultiSink) RecordAccept(ev coremetrics.AcceptEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordAccept(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordPoolSize forwards pool occupancy to sinks that record it.
func (m *MultiSink) RecordPoolSize(available, busy int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.PoolSizeRecorder); ok {
			if err := rec.RecordPoolSize(available, busy); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordBroadcast forwards broadcast widths to sinks that record them.
func (m *MultiSink) RecordBroadcast(orderID string, recipients int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.BroadcastRecorder); ok {
			if err := rec.RecordBroadcast(orderID, recipients); err != nil {
				return err
			}
		}
	}
	return nil
}
