package registry

import (
	"testing"

	"github.com/routa/dispatch/infra/logger"

	"github.com/routa/dispatch/core/model"
)

type fakeConn struct {
	id     string
	ident  model.Identity
	events []string
	full   bool
}

func (f *fakeConn) ID() string                { return f.id }
func (f *fakeConn) Identity() model.Identity  { return f.ident }
func (f *fakeConn) Close() error              { return nil }
func (f *fakeConn) Send(event string, _ any) bool {
	if f.full {
		return false
	}
	f.events = append(f.events, event)
	return true
}

func driverConn(id, party string) *fakeConn {
	return &fakeConn{id: id, ident: model.Identity{PartyID: party, Role: model.RoleDriver}}
}

func TestPublish_ReachesSubscribersOnly(t *testing.T) {
	r := New(logger.NopLogger{})
	a, b := driverConn("c1", "d1"), driverConn("c2", "d2")
	r.Bind(a)
	r.Bind(b)
	r.Subscribe(a, "order:o1")

	r.Publish("order:o1", model.EventOrderUpdate, nil)
	if len(a.events) != 1 || len(b.events) != 0 {
		t.Fatalf("a=%v b=%v", a.events, b.events)
	}
}

func TestPublish_DeadSubscriberDoesNotAffectOthers(t *testing.T) {
	r := New(logger.NopLogger{})
	dead := driverConn("c1", "d1")
	dead.full = true
	ok := driverConn("c2", "d2")
	r.Bind(dead)
	r.Bind(ok)
	r.Subscribe(dead, "order:o1")
	r.Subscribe(ok, "order:o1")

	r.Publish("order:o1", model.EventOrderUpdate, nil)
	if len(ok.events) != 1 {
		t.Fatalf("healthy subscriber missed the event: %v", ok.events)
	}
}

func TestDrop_RemovesAllMemberships(t *testing.T) {
	r := New(logger.NopLogger{})
	c := driverConn("c1", "d1")
	r.Bind(c)
	r.Subscribe(c, "order:o1")
	r.Subscribe(c, model.TopicDrivers)

	if !r.Drop(c) {
		t.Fatal("expected primary connection")
	}
	if got := r.Topics(c); len(got) != 0 {
		t.Fatalf("memberships outlived connection: %v", got)
	}
	r.Publish("order:o1", model.EventOrderUpdate, nil)
	if len(c.events) != 0 {
		t.Fatal("dropped connection still received events")
	}
	if r.SendTo("d1", model.EventOrderUpdate, nil) {
		t.Fatal("party should be unbound after drop")
	}
}

func TestDrop_StaleConnectionIsNotPrimary(t *testing.T) {
	r := New(logger.NopLogger{})
	old := driverConn("c1", "d1")
	r.Bind(old)
	replacement := driverConn("c2", "d1")
	r.Bind(replacement)

	if r.Drop(old) {
		t.Fatal("displaced connection must not count as primary")
	}
	if !r.SendTo("d1", model.EventOrderNew, nil) {
		t.Fatal("replacement should still be bound")
	}
}

func TestSubscribe_UnknownConnIgnored(t *testing.T) {
	r := New(logger.NopLogger{})
	c := driverConn("c1", "d1")
	r.Subscribe(c, "order:o1") // never bound
	r.Publish("order:o1", model.EventOrderUpdate, nil)
	if len(c.events) != 0 {
		t.Fatal("unbound connection must not receive events")
	}
}
