package pool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/routa/dispatch/core/model"
)

var (
	// ErrNotTracked is returned when the driver was never marked online or has
	// since gone offline.
	ErrNotTracked = errors.New("driver not tracked")
	// ErrBusy is returned by Reserve when the driver already serves an order.
	ErrBusy = errors.New("driver busy")
)

// DriverPool is the single source of truth for driver reachability and
// position. All operations are local, synchronous and side-effect-free on
// failure; expected races surface as error values, never panics.
type DriverPool struct {
	mu      sync.RWMutex
	drivers map[string]*model.Driver
}

// New creates an empty pool.
func New() *DriverPool {
	return &DriverPool{drivers: make(map[string]*model.Driver)}
}

// MarkOnline inserts or replaces the driver's record as available at the given
// position. Calling twice is idempotent; last write wins.
func (p *DriverPool) MarkOnline(driverID string, pos model.Position, at time.Time) {
	p.mu.Lock()
	p.drivers[driverID] = &model.Driver{
		ID:         driverID,
		Position:   pos,
		ReportedAt: at,
		State:      model.DriverAvailable,
	}
	p.mu.Unlock()
}

// MarkOffline removes the record unconditionally, regardless of state. It is
// used both for the explicit offline signal and for connection-loss cleanup.
// Calling it on an untracked driver is a no-op.
func (p *DriverPool) MarkOffline(driverID string) {
	p.mu.Lock()
	delete(p.drivers, driverID)
	p.mu.Unlock()
}

// ReportPosition updates position and timestamp if the driver is tracked. An
// untracked driver is silently ignored: position reports race with the online
// signal under retry and reconnect. The driver's current order id is returned
// so the caller can fan the location out to that order's subscribers.
func (p *DriverPool) ReportPosition(driverID string, pos model.Position, at time.Time) (orderID string, tracked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return "", false
	}
	d.Position = pos
	d.ReportedAt = at
	return d.CurrentOrderID, true
}

// Reserve atomically flips the driver from available to busy for the given
// order. It is the single point of serialization that arbitrates accept races:
// whichever caller observes the driver available first wins, every other
// caller fails fast with no partial effect.
func (p *DriverPool) Reserve(driverID, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return ErrNotTracked
	}
	if d.State != model.DriverAvailable {
		return ErrBusy
	}
	d.State = model.DriverBusy
	d.CurrentOrderID = orderID
	return nil
}

// Release flips busy back to available, clearing the current order. A driver
// that disconnected mid-delivery is no longer tracked; that is a no-op.
func (p *DriverPool) Release(driverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return
	}
	d.State = model.DriverAvailable
	d.CurrentOrderID = ""
}

// Get returns a copy of the driver's record.
func (p *DriverPool) Get(driverID string) (model.Driver, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return model.Driver{}, false
	}
	return *d, true
}

// SnapshotAvailable returns a point-in-time copy of all available drivers,
// sorted by id. Drivers that turn busy after the snapshot simply lose the
// subsequent acceptance race.
func (p *DriverPool) SnapshotAvailable() []model.Driver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res := make([]model.Driver, 0, len(p.drivers))
	for _, d := range p.drivers {
		if d.State == model.DriverAvailable {
			res = append(res, *d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Snapshot returns a copy of every tracked driver, sorted by id.
func (p *DriverPool) Snapshot() []model.Driver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res := make([]model.Driver, 0, len(p.drivers))
	for _, d := range p.drivers {
		res = append(res, *d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Counts returns the number of available and busy drivers, for gauges.
func (p *DriverPool) Counts() (available, busy int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.drivers {
		if d.State == model.DriverAvailable {
			available++
		} else {
			busy++
		}
	}
	return available, busy
}
