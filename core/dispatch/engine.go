package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/routa/dispatch/core/logger"
	"github.com/routa/dispatch/core/metrics"
	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/order"
	"github.com/routa/dispatch/core/pool"
	"github.com/routa/dispatch/core/registry"
)

// PositionMirror receives driver position changes for the optional external
// geo index. Implementations must not block: the engine calls them inline
// with dispatch operations.
type PositionMirror interface {
	Update(driverID string, pos model.Position)
	Remove(driverID string)
}

// Engine binds inbound transport events to pool and order-table operations
// and routes resulting state changes through the registry. One engine is
// constructed at process start and shared by every connection handler.
type Engine struct {
	pool   *pool.DriverPool
	table  *order.Table
	reg    *registry.Registry
	mirror PositionMirror
	sink   metrics.Sink
	log    logger.Logger
}

// New creates an Engine. mirror and sink may be nil.
func New(p *pool.DriverPool, t *order.Table, reg *registry.Registry, mirror PositionMirror, sink metrics.Sink, log logger.Logger) *Engine {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Engine{pool: p, table: t, reg: reg, mirror: mirror, sink: sink, log: log}
}

// HandleConnect registers a freshly authenticated connection.
func (e *Engine) HandleConnect(c registry.Conn) {
	e.reg.Bind(c)
	id := c.Identity()
	e.log.Infof("%s %s connected (conn %s)", id.Role, id.PartyID, c.ID())
}

// HandleDisconnect reaps a connection: every topic membership is removed and,
// if this was a driver's primary connection, the driver leaves the pool
// immediately and unconditionally. The order it may have been serving keeps
// its status and assignment; connection liveness and order state are separate.
func (e *Engine) HandleDisconnect(c registry.Conn) {
	wasPrimary := e.reg.Drop(c)
	id := c.Identity()
	if wasPrimary && id.Role == model.RoleDriver {
		e.pool.MarkOffline(id.PartyID)
		if e.mirror != nil {
			e.mirror.Remove(id.PartyID)
		}
		e.recordPoolSize()
	}
	e.log.Infof("%s %s disconnected (conn %s)", id.Role, id.PartyID, c.ID())
}

// HandleEvent decodes one inbound envelope and applies it. Every failure is
// recovered here: the sender gets a rejection acknowledgment for that request
// and nothing else is invalidated.
func (e *Engine) HandleEvent(c registry.Conn, env model.Envelope) {
	var err error
	switch env.Event {
	case model.EventDriverAvailable:
		err = e.driverAvailable(c, env.Data)
	case model.EventDriverUnavailable:
		err = e.driverUnavailable(c, env.Data)
	case model.EventDriverLocationUpd:
		err = e.driverLocation(c, env.Data)
	case model.EventOrderCreate:
		err = e.orderCreate(c, env.Data)
	case model.EventOrderAccept:
		err = e.orderAccept(c, env.Data)
	case model.EventOrderReject:
		err = e.orderReject(c, env.Data)
	case model.EventOrderStatusUpdate:
		err = e.orderStatusUpdate(c, env.Data)
	case model.EventOrderCancel:
		err = e.orderCancel(c, env.Data)
	case model.EventOrderSubscribe:
		err = e.orderSubscribe(c, env.Data, true)
	case model.EventOrderUnsubscribe:
		err = e.orderSubscribe(c, env.Data, false)
	default:
		err = fmt.Errorf("unknown event %q", env.Event)
	}
	if err != nil {
		e.log.Debugf("event %s from %s rejected: %v", env.Event, c.Identity().PartyID, err)
		c.Send(model.EventError, model.ErrorPayload{Op: env.Event, Reason: reason(err)})
	}
}

var errActorMismatch = errors.New("actor does not match connection identity")

func (e *Engine) requireDriver(c registry.Conn, driverID string) error {
	id := c.Identity()
	if id.Role != model.RoleDriver || id.PartyID != driverID {
		return errActorMismatch
	}
	return nil
}

func (e *Engine) driverAvailable(c registry.Conn, data json.RawMessage) error {
	var p model.DriverStatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode driver:available: %w", err)
	}
	if err := e.requireDriver(c, p.DriverID); err != nil {
		return err
	}
	e.pool.MarkOnline(p.DriverID, p.Location, p.Timestamp)
	e.reg.Subscribe(c, model.TopicDrivers)
	// A driver reconnecting mid-delivery resumes its busy state.
	if active, ok := e.table.ActiveOrderFor(p.DriverID); ok {
		if err := e.pool.Reserve(p.DriverID, active.ID); err == nil {
			e.log.Infof("driver %s resumed order %s after reconnect", p.DriverID, active.ID)
		}
	}
	if e.mirror != nil {
		e.mirror.Update(p.DriverID, p.Location)
	}
	e.recordPoolSize()
	return nil
}

func (e *Engine) driverUnavailable(c registry.Conn, data json.RawMessage) error {
	var p model.OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode driver:unavailable: %w", err)
	}
	if err := e.requireDriver(c, p.DriverID); err != nil {
		return err
	}
	e.pool.MarkOffline(p.DriverID)
	e.reg.Unsubscribe(c, model.TopicDrivers)
	if e.mirror != nil {
		e.mirror.Remove(p.DriverID)
	}
	e.recordPoolSize()
	return nil
}

func (e *Engine) driverLocation(c registry.Conn, data json.RawMessage) error {
	var p model.DriverStatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode driver:location-update: %w", err)
	}
	if err := e.requireDriver(c, p.DriverID); err != nil {
		return err
	}
	orderID, tracked := e.pool.ReportPosition(p.DriverID, p.Location, p.Timestamp)
	if !tracked {
		// Position reports race with the online signal; dropping one is
		// harmless and not worth an error acknowledgment.
		return nil
	}
	if orderID != "" {
		e.reg.Publish(model.OrderTopic(orderID), model.EventDriverLocated, model.DriverLocationPayload{
			DriverID:  p.DriverID,
			OrderID:   orderID,
			Location:  p.Location,
			Timestamp: p.Timestamp,
		})
	}
	if e.mirror != nil {
		e.mirror.Update(p.DriverID, p.Location)
	}
	return nil
}

func (e *Engine) orderCreate(c registry.Conn, data json.RawMessage) error {
	var req model.OrderRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode order:create: %w", err)
	}
	id := c.Identity()
	if id.Role != model.RoleCustomer {
		return errActorMismatch
	}
	if req.CustomerID == "" {
		req.CustomerID = id.PartyID
	} else if req.CustomerID != id.PartyID {
		return errActorMismatch
	}
	o, err := e.table.Create(req)
	if err != nil {
		return err
	}
	// The customer tracks its own order from the start.
	e.reg.Subscribe(c, model.OrderTopic(o.ID))
	return nil
}

func (e *Engine) orderAccept(c registry.Conn, data json.RawMessage) error {
	var p model.OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode order:accept: %w", err)
	}
	if err := e.requireDriver(c, p.DriverID); err != nil {
		return err
	}
	o, err := e.table.Accept(p.OrderID, p.DriverID)
	if err != nil {
		return err
	}
	e.reg.Subscribe(c, model.OrderTopic(o.ID))
	e.recordPoolSize()
	return nil
}

func (e *Engine) orderReject(c registry.Conn, data json.RawMessage) error {
	var p model.OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode order:reject: %w", err)
	}
	if err := e.requireDriver(c, p.DriverID); err != nil {
		return err
	}
	return e.table.Reject(p.OrderID, p.DriverID)
}

func (e *Engine) orderStatusUpdate(c registry.Conn, data json.RawMessage) error {
	var p model.StatusUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode order:status-update: %w", err)
	}
	id := c.Identity()
	if id.Role != model.RoleDriver {
		return errActorMismatch
	}
	next, err := model.ParseStatus(p.Status)
	if err != nil {
		return err
	}
	_, err = e.table.Advance(p.OrderID, next, id.PartyID)
	if err == nil && next == model.StatusDelivered {
		e.recordPoolSize()
	}
	return err
}

func (e *Engine) orderCancel(c registry.Conn, data json.RawMessage) error {
	var p model.OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode order:cancel: %w", err)
	}
	_, err := e.table.Cancel(p.OrderID, c.Identity().PartyID)
	if err == nil {
		e.recordPoolSize()
	}
	return err
}

func (e *Engine) orderSubscribe(c registry.Conn, data json.RawMessage, join bool) error {
	var p model.OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode order subscription: %w", err)
	}
	if p.OrderID == "" {
		return errors.New("orderId is required")
	}
	if join {
		e.reg.Subscribe(c, model.OrderTopic(p.OrderID))
	} else {
		e.reg.Unsubscribe(c, model.OrderTopic(p.OrderID))
	}
	return nil
}

func (e *Engine) recordPoolSize() {
	if rec, ok := e.sink.(metrics.PoolSizeRecorder); ok {
		avail, busy := e.pool.Counts()
		if err := rec.RecordPoolSize(avail, busy); err != nil {
			e.log.Warnf("record pool size: %v", err)
		}
	}
}

// reason maps engine and table errors to the wire rejection vocabulary.
func reason(err error) string {
	switch {
	case errors.Is(err, order.ErrOrderTaken):
		return "order taken"
	case errors.Is(err, order.ErrDriverUnavailable):
		return "driver unavailable"
	case errors.Is(err, order.ErrNotFound):
		return "unknown order"
	case errors.Is(err, order.ErrExists):
		return "duplicate order"
	case errors.Is(err, order.ErrInvalidTransition):
		return "invalid transition"
	case errors.Is(err, order.ErrNotAssigned):
		return "not assigned"
	case errors.Is(err, order.ErrNotAllowed), errors.Is(err, errActorMismatch):
		return "forbidden"
	default:
		return "bad request"
	}
}
