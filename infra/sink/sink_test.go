package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/order"
	"github.com/routa/dispatch/infra/logger"
	"github.com/routa/dispatch/internal/eventbus"
)

type memSink struct {
	mu     sync.Mutex
	events []order.Event
	fail   bool
	closed bool
}

func (m *memSink) Publish(_ context.Context, ev order.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("broker down")
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) Close() error { m.closed = true; return nil }

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memSink) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func TestMulti_ForwardsAndCloses(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	m := NewMulti(a, b)
	if err := m.Publish(context.Background(), order.Event{OrderID: "o1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatal("event should reach every sink")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("close should reach every sink")
	}
}

func TestForwarder_DrainsBus(t *testing.T) {
	bus := eventbus.New[order.Event]()
	s := &memSink{}
	f := NewForwarder(bus, s, logger.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	bus.Publish(order.Event{OrderID: "o1", Status: model.StatusPending})
	bus.Publish(order.Event{OrderID: "o1", Status: model.StatusAccepted})

	deadline := time.After(2 * time.Second)
	for s.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("forwarder delivered %d of 2 events", s.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestForwarder_SinkFailureDoesNotStop(t *testing.T) {
	bus := eventbus.New[order.Event]()
	s := &memSink{fail: true}
	f := NewForwarder(bus, s, logger.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	bus.Publish(order.Event{OrderID: "o1"})
	time.Sleep(20 * time.Millisecond)
	s.setFail(false)
	bus.Publish(order.Event{OrderID: "o2"})

	deadline := time.After(2 * time.Second)
	for s.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("forwarder stopped after a sink failure")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTopicFor(t *testing.T) {
	cases := map[model.Status]string{
		model.StatusPending:   TopicOrderCreated,
		model.StatusAccepted:  TopicOrderAccepted,
		model.StatusInTransit: TopicOrderUpdated,
		model.StatusDelivered: TopicOrderDelivered,
		model.StatusCancelled: TopicOrderCancelled,
	}
	for st, want := range cases {
		if got := topicFor(st); got != want {
			t.Fatalf("topicFor(%s) = %s, want %s", st, got, want)
		}
	}
}
