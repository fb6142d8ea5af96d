package model

import "time"

// Availability is the matching state of a driver in the pool.
type Availability string

const (
	DriverAvailable Availability = "available"
	DriverBusy      Availability = "busy"
)

// Driver is the pool's record of a reachable driver.
//
// Invariant: State == DriverBusy exactly when CurrentOrderID is non-empty.
type Driver struct {
	ID             string       `json:"driver_id"`
	Position       Position     `json:"location"`
	ReportedAt     time.Time    `json:"reported_at"`
	State          Availability `json:"state"`
	CurrentOrderID string       `json:"current_order_id,omitempty"`
}
