package order

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/pool"
	"github.com/routa/dispatch/infra/logger"
	"github.com/routa/dispatch/internal/eventbus"
)

type sent struct {
	target string // topic or party id
	event  string
	data   any
}

// capturePub records fan-out calls so tests can assert recipients and order.
type capturePub struct {
	mu        sync.Mutex
	published []sent
	direct    []sent
	offline   map[string]bool
}

func (p *capturePub) Publish(topic, event string, data any) {
	p.mu.Lock()
	p.published = append(p.published, sent{topic, event, data})
	p.mu.Unlock()
}

func (p *capturePub) SendTo(partyID, event string, data any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline[partyID] {
		return false
	}
	p.direct = append(p.direct, sent{partyID, event, data})
	return true
}

func (p *capturePub) directTo(party, event string) []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []sent
	for _, s := range p.direct {
		if s.target == party && s.event == event {
			res = append(res, s)
		}
	}
	return res
}

func newTable(t *testing.T, cfg Config) (*Table, *pool.DriverPool, *capturePub) {
	t.Helper()
	p := pool.New()
	pub := &capturePub{offline: map[string]bool{}}
	tbl := New(p, pub, nil, nil, nil, logger.NopLogger{}, cfg)
	return tbl, p, pub
}

func req(id, customer string) model.OrderRequest {
	return model.OrderRequest{
		ID:         id,
		CustomerID: customer,
		Pickup:     model.Stop{Position: model.Position{Lat: 48.85, Lng: 2.35}, Address: "A"},
		Dropoff:    model.Stop{Position: model.Position{Lat: 48.86, Lng: 2.36}, Address: "B"},
		Price:      12.5,
	}
}

func TestCreate_BroadcastsToAvailableDrivers(t *testing.T) {
	tbl, p, pub := newTable(t, Config{})
	p.MarkOnline("d1", model.Position{}, time.Now())
	p.MarkOnline("d2", model.Position{}, time.Now())
	if err := p.Reserve("d2", "other"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	o, err := tbl.Create(req("o1", "c1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Status != model.StatusPending || o.Revision != 0 {
		t.Fatalf("fresh order should be pending rev 0: %+v", o)
	}
	if got := pub.directTo("d1", model.EventOrderNew); len(got) != 1 {
		t.Fatalf("d1 should get the broadcast, got %v", got)
	}
	if got := pub.directTo("d2", model.EventOrderNew); len(got) != 0 {
		t.Fatal("busy driver must not receive order:new")
	}
}

func TestCreate_Duplicate(t *testing.T) {
	tbl, _, _ := newTable(t, Config{})
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tbl.Create(req("o1", "c1")); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestAccept_ConcurrentSingleWinner(t *testing.T) {
	tbl, p, pub := newTable(t, Config{})
	drivers := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	for _, d := range drivers {
		p.MarkOnline(d, model.Position{}, time.Now())
	}
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	winners := make(chan string, len(drivers))
	losses := make(chan error, len(drivers))
	for _, d := range drivers {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			if _, err := tbl.Accept("o1", driver); err == nil {
				winners <- driver
			} else {
				losses <- err
			}
		}(d)
	}
	wg.Wait()
	close(winners)
	close(losses)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	if len(won) != 1 {
		t.Fatalf("expected exactly one winner, got %v", won)
	}
	for err := range losses {
		if !errors.Is(err, ErrOrderTaken) && !errors.Is(err, ErrDriverUnavailable) {
			t.Fatalf("loser got untyped error: %v", err)
		}
	}

	// Winner is busy with the order, losers got order:taken.
	d, _ := p.Get(won[0])
	if d.State != model.DriverBusy || d.CurrentOrderID != "o1" {
		t.Fatalf("winner record inconsistent: %+v", d)
	}
	o, _ := tbl.Get("o1")
	if o.Status != model.StatusAccepted || o.DriverID != won[0] || o.Revision != 1 {
		t.Fatalf("order record inconsistent: %+v", o)
	}
	taken := 0
	for _, dr := range drivers {
		if dr == won[0] {
			if n := len(pub.directTo(dr, model.EventOrderTaken)); n != 0 {
				t.Fatal("winner must not receive order:taken")
			}
			continue
		}
		taken += len(pub.directTo(dr, model.EventOrderTaken))
	}
	if taken != len(drivers)-1 {
		t.Fatalf("expected %d order:taken notices, got %d", len(drivers)-1, taken)
	}
}

func TestAccept_DriverUnavailable(t *testing.T) {
	tbl, p, _ := newTable(t, Config{})
	p.MarkOnline("d1", model.Position{}, time.Now())
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tbl.Accept("o1", "stranger"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
	o, _ := tbl.Get("o1")
	if o.Status != model.StatusPending {
		t.Fatal("failed accept must not mutate the order")
	}
}

func TestAccept_UnknownOrder(t *testing.T) {
	tbl, _, _ := newTable(t, Config{})
	if _, err := tbl.Accept("nope", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvance_FullLifecycle(t *testing.T) {
	tbl, p, pub := newTable(t, Config{})
	p.MarkOnline("d1", model.Position{}, time.Now())
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tbl.Accept("o1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	path := []model.Status{
		model.StatusArrivedPickup,
		model.StatusPickedUp,
		model.StatusInTransit,
		model.StatusArrivedDropoff,
		model.StatusDelivered,
	}
	for i, st := range path {
		o, err := tbl.Advance("o1", st, "d1")
		if err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
		if o.Revision != uint64(i)+2 {
			t.Fatalf("revision must increase by one per transition, got %d at %s", o.Revision, st)
		}
	}

	// Delivered releases the driver back to available.
	d, _ := p.Get("d1")
	if d.State != model.DriverAvailable || d.CurrentOrderID != "" {
		t.Fatalf("driver not released: %+v", d)
	}

	// Subscribers observed strictly increasing revisions on the order topic.
	var last uint64
	for _, s := range pub.published {
		if s.target != model.OrderTopic("o1") || s.event != model.EventOrderUpdate {
			continue
		}
		upd := s.data.(model.OrderUpdatePayload)
		if upd.Revision <= last {
			t.Fatalf("revision went backwards: %d after %d", upd.Revision, last)
		}
		last = upd.Revision
	}
}

func TestAdvance_Rejections(t *testing.T) {
	tbl, p, _ := newTable(t, Config{})
	p.MarkOnline("d1", model.Position{}, time.Now())
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Pending order cannot jump to delivered, even by a hopeful driver.
	if _, err := tbl.Advance("o1", model.StatusDelivered, "d1"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("unassigned advance must fail, got %v", err)
	}
	if _, err := tbl.Accept("o1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := tbl.Advance("o1", model.StatusDelivered, "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("skipping states must fail, got %v", err)
	}
	if _, err := tbl.Advance("o1", model.StatusAccepted, "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-applying accepted must fail, got %v", err)
	}
	if _, err := tbl.Advance("o1", model.StatusArrivedPickup, "d2"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("foreign driver must be rejected, got %v", err)
	}
	o, _ := tbl.Get("o1")
	if o.Status != model.StatusAccepted || o.Revision != 1 {
		t.Fatalf("rejected advances must leave state unchanged: %+v", o)
	}
}

func TestCancel(t *testing.T) {
	tbl, p, pub := newTable(t, Config{})
	p.MarkOnline("d1", model.Position{}, time.Now())
	p.MarkOnline("d2", model.Position{}, time.Now())
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := tbl.Cancel("o1", "someone-else"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("stranger cancel must fail, got %v", err)
	}

	if _, err := tbl.Accept("o1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	o, err := tbl.Cancel("o1", "c1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", o.Status)
	}
	d, _ := p.Get("d1")
	if d.State != model.DriverAvailable {
		t.Fatal("cancel must release the assigned driver")
	}
	if _, err := tbl.Cancel("o1", "c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal order cannot be cancelled again, got %v", err)
	}
	_ = pub
}

func TestExpirePending(t *testing.T) {
	tbl, p, pub := newTable(t, Config{PendingTTL: time.Minute})
	p.MarkOnline("d1", model.Position{}, time.Now())
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if n := tbl.ExpirePending(); n != 0 {
		t.Fatalf("fresh order must not expire, got %d", n)
	}
	tbl.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := tbl.ExpirePending(); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	o, _ := tbl.Get("o1")
	if o.Status != model.StatusCancelled {
		t.Fatalf("expired order should be cancelled, got %s", o.Status)
	}
	if got := pub.directTo("d1", model.EventOrderTaken); len(got) != 1 {
		t.Fatal("notified drivers should be told to drop an expired order")
	}
}

func TestEvictTerminal(t *testing.T) {
	tbl, p, _ := newTable(t, Config{TerminalGrace: time.Minute})
	p.MarkOnline("d1", model.Position{}, time.Now())
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tbl.Cancel("o1", "c1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if n := tbl.EvictTerminal(); n != 0 {
		t.Fatal("order inside grace period must be retained")
	}
	tbl.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := tbl.EvictTerminal(); n != 1 {
		t.Fatal("expected eviction after grace period")
	}
	if _, ok := tbl.Get("o1"); ok {
		t.Fatal("evicted order still present")
	}
}

func TestLifecycleEventsOnBus(t *testing.T) {
	p := pool.New()
	pub := &capturePub{offline: map[string]bool{}}
	bus := eventbus.New[Event]()
	sub := bus.Subscribe(16)
	tbl := New(p, pub, nil, bus, nil, logger.NopLogger{}, Config{})

	p.MarkOnline("d1", model.Position{}, time.Now())
	if _, err := tbl.Create(req("o1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tbl.Accept("o1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	first := <-sub
	if first.Status != model.StatusPending || first.OrderID != "o1" {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := <-sub
	if second.Status != model.StatusAccepted || second.DriverID != "d1" {
		t.Fatalf("unexpected second event %+v", second)
	}
}
