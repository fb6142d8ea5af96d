package model

import (
	"encoding/json"
	"time"
)

// Wire event names, client to server.
const (
	EventDriverAvailable   = "driver:available"
	EventDriverUnavailable = "driver:unavailable"
	EventDriverLocationUpd = "driver:location-update"
	EventOrderCreate       = "order:create"
	EventOrderAccept       = "order:accept"
	EventOrderReject       = "order:reject"
	EventOrderStatusUpdate = "order:status-update"
	EventOrderCancel       = "order:cancel"
	EventOrderSubscribe    = "order:subscribe"
	EventOrderUnsubscribe  = "order:unsubscribe"
)

// Wire event names, server to client.
const (
	EventOrderNew      = "order:new"
	EventOrderTaken    = "order:taken"
	EventOrderUpdate   = "order:update"
	EventDriverLocated = "driver:location"
	EventError         = "error"
)

// TopicDrivers is the registry topic holding every online driver connection.
const TopicDrivers = "drivers"

// OrderTopic names the per-order fan-out topic.
func OrderTopic(orderID string) string { return "order:" + orderID }

// Envelope is the framing of every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DriverStatePayload carries driver:available / driver:unavailable /
// driver:location-update data.
type DriverStatePayload struct {
	DriverID  string    `json:"driverId"`
	Location  Position  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderActionPayload carries order:accept / order:reject / order:subscribe
// and friends.
type OrderActionPayload struct {
	OrderID  string `json:"orderId"`
	DriverID string `json:"driverId,omitempty"`
}

// StatusUpdatePayload carries order:status-update.
type StatusUpdatePayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// OrderUpdatePayload is pushed to order:<id> subscribers on every applied
// transition. Receivers discard stale pushes using Revision.
type OrderUpdatePayload struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	DriverID  string    `json:"driverId,omitempty"`
	Revision  uint64    `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OrderTakenPayload tells a previously notified driver to drop the order from
// its local queue.
type OrderTakenPayload struct {
	OrderID string `json:"orderId"`
}

// DriverLocationPayload is pushed to order:<id> subscribers while the assigned
// driver is moving.
type DriverLocationPayload struct {
	DriverID  string    `json:"driverId"`
	OrderID   string    `json:"orderId"`
	Location  Position  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the rejection acknowledgment for a single failed request. It
// never invalidates other in-flight state.
type ErrorPayload struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}
