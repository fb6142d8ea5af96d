// Package sink publishes order lifecycle events to external systems. Sinks
// consume the internal event bus, so a slow broker can never stall a dispatch
// operation.
package sink

import (
	"context"

	"github.com/routa/dispatch/core/logger"
	"github.com/routa/dispatch/core/order"
	"github.com/routa/dispatch/internal/eventbus"
)

// Sink delivers one lifecycle event to an external system.
type Sink interface {
	Publish(ctx context.Context, ev order.Event) error
	Close() error
}

// Config selects and configures the enabled sinks.
type Config struct {
	Kafka KafkaConfig `json:"kafka"`
	MQTT  MQTTConfig  `json:"mqtt"`
}

// Nop is the disabled sink.
type Nop struct{}

func (Nop) Publish(context.Context, order.Event) error { return nil }
func (Nop) Close() error                               { return nil }

// Multi fans one event out to several sinks, returning the first error.
type Multi struct {
	Sinks []Sink
}

// NewMulti creates a Multi with the provided sinks.
func NewMulti(sinks ...Sink) *Multi { return &Multi{Sinks: sinks} }

func (m *Multi) Publish(ctx context.Context, ev order.Event) error {
	for _, s := range m.Sinks {
		if err := s.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Close() error {
	var first error
	for _, s := range m.Sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Forwarder drains the event bus into a sink until the context is cancelled
// or the bus closes.
type Forwarder struct {
	sub  <-chan order.Event
	bus  *eventbus.Bus[order.Event]
	sink Sink
	log  logger.Logger
}

// NewForwarder subscribes to the bus.
func NewForwarder(bus *eventbus.Bus[order.Event], s Sink, log logger.Logger) *Forwarder {
	return &Forwarder{sub: bus.Subscribe(256), bus: bus, sink: s, log: log}
}

// Run blocks, forwarding events. Publish failures are logged and dropped;
// external delivery is best-effort by design.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.bus.Unsubscribe(f.sub)
			return
		case ev, ok := <-f.sub:
			if !ok {
				return
			}
			if err := f.sink.Publish(ctx, ev); err != nil {
				f.log.Warnf("sink publish order %s (%s): %v", ev.OrderID, ev.Status, err)
			}
		}
	}
}
