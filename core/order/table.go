package order

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routa/dispatch/core/logger"
	"github.com/routa/dispatch/core/metrics"
	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/pool"
	"github.com/routa/dispatch/internal/eventbus"
)

var (
	// ErrNotFound is returned when the order id references no record.
	ErrNotFound = errors.New("order not found")
	// ErrExists is returned by Create when the order id is already in use.
	ErrExists = errors.New("order already exists")
	// ErrOrderTaken is the accept-race loss: the order left pending first.
	ErrOrderTaken = errors.New("order already taken")
	// ErrDriverUnavailable is the accept-race loss on the driver side: the
	// reservation failed because the driver is busy or not tracked.
	ErrDriverUnavailable = errors.New("driver unavailable")
	// ErrInvalidTransition rejects non-adjacent, backward or terminal moves.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotAssigned rejects an advance by anyone but the assigned driver.
	ErrNotAssigned = errors.New("driver not assigned to order")
	// ErrNotAllowed rejects a cancel by a party unrelated to the order.
	ErrNotAllowed = errors.New("actor not allowed")
)

// Publisher delivers fan-out messages. Implementations enqueue to buffered
// per-connection queues and never block; the table calls them while holding
// its lock so subscribers observe revisions in application order.
type Publisher interface {
	Publish(topic, event string, data any)
	SendTo(partyID, event string, data any) bool
}

// Selector narrows the new-order broadcast set. The default keeps every
// available driver, matching the source behavior.
type Selector interface {
	SelectRecipients(pickup model.Position, candidates []model.Driver) []model.Driver
}

// AllDrivers is the identity Selector.
type AllDrivers struct{}

func (AllDrivers) SelectRecipients(_ model.Position, candidates []model.Driver) []model.Driver {
	return candidates
}

// Event is the lifecycle record published on the internal bus for external
// sinks (Kafka, MQTT).
type Event struct {
	OrderID    string       `json:"orderId"`
	CustomerID string       `json:"customerId"`
	DriverID   string       `json:"driverId,omitempty"`
	Status     model.Status `json:"status"`
	Revision   uint64       `json:"revision"`
	Time       time.Time    `json:"time"`
}

// Config holds table policy knobs.
type Config struct {
	// PendingTTL is how long an order may sit unaccepted before the expiry
	// job cancels it. Zero disables expiry.
	PendingTTL time.Duration
	// TerminalGrace is how long delivered or cancelled orders are kept for
	// reference before eviction.
	TerminalGrace time.Duration
}

type record struct {
	model.Order
	notified   map[string]bool
	terminalAt time.Time
}

// Table owns the canonical status of every in-flight order and the legal
// transition graph. All mutation is serialized by a single mutex over the
// shared map; the driver pool reservation inside Accept is the arbiter that
// keeps the race to a single winner.
type Table struct {
	mu     sync.Mutex
	orders map[string]*record

	pool *pool.DriverPool
	pub  Publisher
	sel  Selector
	bus  *eventbus.Bus[Event]
	sink metrics.Sink
	log  logger.Logger
	cfg  Config
	now  func() time.Time
}

// New creates an order table. bus and sink may be nil.
func New(p *pool.DriverPool, pub Publisher, sel Selector, bus *eventbus.Bus[Event], sink metrics.Sink, log logger.Logger, cfg Config) *Table {
	if sel == nil {
		sel = AllDrivers{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Table{
		orders: make(map[string]*record),
		pool:   p,
		pub:    pub,
		sel:    sel,
		bus:    bus,
		sink:   sink,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Create allocates a new pending order and broadcasts it to the current
// driver-pool snapshot, one direct message per driver so only that driver's
// queue grows.
func (t *Table) Create(req model.OrderRequest) (model.Order, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.orders[req.ID]; dup {
		return model.Order{}, ErrExists
	}
	now := t.now()
	rec := &record{
		Order: model.Order{
			OrderRequest: req,
			Status:       model.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		notified: make(map[string]bool),
	}
	t.orders[req.ID] = rec

	recipients := t.sel.SelectRecipients(req.Pickup.Position, t.pool.SnapshotAvailable())
	for _, d := range recipients {
		if t.pub.SendTo(d.ID, model.EventOrderNew, rec.Order) {
			rec.notified[d.ID] = true
		}
	}
	t.log.Infof("order %s created, broadcast to %d drivers", req.ID, len(rec.notified))
	if br, ok := t.sink.(metrics.BroadcastRecorder); ok {
		if err := br.RecordBroadcast(req.ID, len(rec.notified)); err != nil {
			t.log.Warnf("record broadcast: %v", err)
		}
	}
	t.emit(rec)
	return rec.Order, nil
}

// Accept moves a pending order to accepted for the given driver. The driver
// pool reservation, not the order's own status field, is the single point of
// serialization: of N racing accepts exactly one succeeds, the rest fail fast
// with a distinguishable reason and no partial effect.
func (t *Table) Accept(orderID, driverID string) (model.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if rec.Status != model.StatusPending {
		t.recordAccept(orderID, driverID, false, "order taken", 0)
		return model.Order{}, ErrOrderTaken
	}
	if err := t.pool.Reserve(driverID, orderID); err != nil {
		t.recordAccept(orderID, driverID, false, "driver unavailable", 0)
		return model.Order{}, ErrDriverUnavailable
	}

	now := t.now()
	rec.Status = model.StatusAccepted
	rec.DriverID = driverID
	rec.Revision++
	rec.UpdatedAt = now

	t.publishUpdate(rec)
	for other := range rec.notified {
		if other == driverID {
			continue
		}
		t.pub.SendTo(other, model.EventOrderTaken, model.OrderTakenPayload{OrderID: orderID})
	}
	t.recordAccept(orderID, driverID, true, "", now.Sub(rec.CreatedAt))
	t.emit(rec)
	return rec.Order, nil
}

// Reject is informational only: the order stays available to other drivers
// and no state changes. An unknown order is still an error so the caller gets
// an acknowledgment.
func (t *Table) Reject(orderID, driverID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[orderID]; !ok {
		return ErrNotFound
	}
	t.log.Debugf("driver %s rejected order %s", driverID, orderID)
	return nil
}

// Advance applies one forward edge of the lifecycle graph on behalf of the
// assigned driver. Reaching delivered releases the driver back to the pool.
func (t *Table) Advance(orderID string, next model.Status, actorDriverID string) (model.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if rec.DriverID == "" || rec.DriverID != actorDriverID {
		return model.Order{}, ErrNotAssigned
	}
	// Accepted is only reachable through Accept's reservation path.
	if next == model.StatusAccepted || next == model.StatusCancelled || !rec.Status.CanAdvanceTo(next) {
		return model.Order{}, ErrInvalidTransition
	}

	rec.Status = next
	rec.Revision++
	rec.UpdatedAt = t.now()
	t.publishUpdate(rec)

	if next == model.StatusDelivered {
		t.pool.Release(rec.DriverID)
		rec.terminalAt = rec.UpdatedAt
		t.log.Infof("order %s delivered by %s", orderID, rec.DriverID)
	}
	t.emit(rec)
	return rec.Order, nil
}

// Cancel aborts an order that is still pending or accepted. The customer who
// placed it, the assigned driver and the system actor may cancel. An assigned
// driver is released back to available.
func (t *Table) Cancel(orderID, actorID string) (model.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if actorID != rec.CustomerID && actorID != model.SystemActor &&
		(rec.DriverID == "" || actorID != rec.DriverID) {
		return model.Order{}, ErrNotAllowed
	}
	if !rec.Status.Cancellable() {
		return model.Order{}, ErrInvalidTransition
	}
	t.cancelLocked(rec)
	return rec.Order, nil
}

func (t *Table) cancelLocked(rec *record) {
	wasPending := rec.Status == model.StatusPending
	if rec.DriverID != "" {
		t.pool.Release(rec.DriverID)
	}
	rec.Status = model.StatusCancelled
	rec.Revision++
	rec.UpdatedAt = t.now()
	rec.terminalAt = rec.UpdatedAt
	t.publishUpdate(rec)
	if wasPending {
		// Drivers still holding the broadcast drop it from their queue.
		for other := range rec.notified {
			t.pub.SendTo(other, model.EventOrderTaken, model.OrderTakenPayload{OrderID: rec.ID})
		}
	}
	t.emit(rec)
}

// ExpirePending cancels orders that sat unaccepted longer than PendingTTL.
// Returns the number of orders expired.
func (t *Table) ExpirePending() int {
	if t.cfg.PendingTTL <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.cfg.PendingTTL)
	n := 0
	for _, rec := range t.orders {
		if rec.Status == model.StatusPending && rec.CreatedAt.Before(cutoff) {
			t.log.Infof("order %s expired with no accepting driver", rec.ID)
			t.cancelLocked(rec)
			n++
		}
	}
	return n
}

// EvictTerminal drops delivered and cancelled orders once the retention grace
// period has passed. Returns the number of orders evicted.
func (t *Table) EvictTerminal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.cfg.TerminalGrace)
	n := 0
	for id, rec := range t.orders {
		if rec.Status.Terminal() && rec.terminalAt.Before(cutoff) {
			delete(t.orders, id)
			n++
		}
	}
	return n
}

// Get returns a copy of the order.
func (t *Table) Get(orderID string) (model.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return rec.Order, true
}

// ActiveOrderFor returns the non-terminal order assigned to the driver, if
// any. Used to rebuild busy state when a driver reconnects mid-delivery.
func (t *Table) ActiveOrderFor(driverID string) (model.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.orders {
		if rec.DriverID == driverID && !rec.Status.Terminal() {
			return rec.Order, true
		}
	}
	return model.Order{}, false
}

// Snapshot returns a copy of every retained order, sorted by creation time.
func (t *Table) Snapshot() []model.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]model.Order, 0, len(t.orders))
	for _, rec := range t.orders {
		res = append(res, rec.Order)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

func (t *Table) publishUpdate(rec *record) {
	upd := model.OrderUpdatePayload{
		OrderID:   rec.ID,
		Status:    rec.Status,
		DriverID:  rec.DriverID,
		Revision:  rec.Revision,
		UpdatedAt: rec.UpdatedAt,
	}
	t.pub.Publish(model.OrderTopic(rec.ID), model.EventOrderUpdate, upd)
	if rec.DriverID != "" {
		// The assigned driver gets the update even without an explicit
		// subscribe; duplicates are discardable by revision.
		t.pub.SendTo(rec.DriverID, model.EventOrderUpdate, upd)
	}
	if err := t.sink.RecordOrderEvent(metrics.OrderEvent{
		OrderID:  rec.ID,
		Status:   string(rec.Status),
		DriverID: rec.DriverID,
		Revision: rec.Revision,
		Time:     rec.UpdatedAt,
	}); err != nil {
		t.log.Warnf("record order event: %v", err)
	}
}

func (t *Table) recordAccept(orderID, driverID string, won bool, reason string, latency time.Duration) {
	if err := t.sink.RecordAccept(metrics.AcceptEvent{
		OrderID:  orderID,
		DriverID: driverID,
		Won:      won,
		Reason:   reason,
		Latency:  latency,
		Time:     t.now(),
	}); err != nil {
		t.log.Warnf("record accept: %v", err)
	}
}

func (t *Table) emit(rec *record) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(Event{
		OrderID:    rec.ID,
		CustomerID: rec.CustomerID,
		DriverID:   rec.DriverID,
		Status:     rec.Status,
		Revision:   rec.Revision,
		Time:       rec.UpdatedAt,
	})
}
