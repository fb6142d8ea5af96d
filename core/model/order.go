package model

import "time"

// Stop is one end of a delivery: coordinates plus the human-readable address.
type Stop struct {
	Position Position `json:"location"`
	Address  string   `json:"address"`
}

// OrderRequest is the immutable payload a customer submits. ID may be empty,
// in which case the engine allocates one.
type OrderRequest struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customerId"`
	Pickup      Stop    `json:"pickup"`
	Dropoff     Stop    `json:"dropoff"`
	PackageNote string  `json:"packageDetails"`
	Price       float64 `json:"price"`
}

// Order is the dispatch engine's record of an in-flight delivery. All mutation
// goes through the order table's transition operations.
type Order struct {
	OrderRequest

	Status    Status    `json:"status"`
	DriverID  string    `json:"driverId,omitempty"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
