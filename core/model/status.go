package model

import "fmt"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAccepted       Status = "accepted"
	StatusArrivedPickup  Status = "arrived_pickup"
	StatusPickedUp       Status = "picked_up"
	StatusInTransit      Status = "in_transit"
	StatusArrivedDropoff Status = "arrived_dropoff"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// forward holds the single legal successor of each non-terminal status on the
// delivery path. Cancellation is handled separately.
var forward = map[Status]Status{
	StatusPending:        StatusAccepted,
	StatusAccepted:       StatusArrivedPickup,
	StatusArrivedPickup:  StatusPickedUp,
	StatusPickedUp:       StatusInTransit,
	StatusInTransit:      StatusArrivedDropoff,
	StatusArrivedDropoff: StatusDelivered,
}

// ParseStatus validates a wire status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusAccepted, StatusArrivedPickup, StatusPickedUp,
		StatusInTransit, StatusArrivedDropoff, StatusDelivered, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanAdvanceTo reports whether next is the immediate forward successor of s.
// Skipping states, moving backward and leaving a terminal state are all
// rejected.
func (s Status) CanAdvanceTo(next Status) bool {
	return forward[s] == next
}

// Cancellable reports whether an order in this state may still be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusAccepted
}
