// Package admin exposes read-only snapshots of the dispatch state over HTTP,
// for dashboards and operational debugging.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/order"
	"github.com/routa/dispatch/core/pool"
)

// driverView is the wire shape of one tracked driver, with the geohash cell
// added so dashboards can bucket drivers without doing geo math.
type driverView struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	Position   model.Position `json:"position"`
	Cell       string         `json:"cell"`
	OrderID    string         `json:"orderId,omitempty"`
	ReportedAt time.Time      `json:"reportedAt"`
}

type driversResponse struct {
	Available int          `json:"available"`
	Busy      int          `json:"busy"`
	Drivers   []driverView `json:"drivers"`
}

type ordersResponse struct {
	Count  int           `json:"count"`
	Orders []model.Order `json:"orders"`
}

// Handler serves the admin snapshot routes.
type Handler struct {
	pool  *pool.DriverPool
	table *order.Table
}

func NewHandler(p *pool.DriverPool, t *order.Table) *Handler {
	return &Handler{pool: p, table: t}
}

// Routes mounts the snapshot endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/drivers", h.getDrivers)
	r.Get("/orders", h.getOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	return r
}

func (h *Handler) getDrivers(w http.ResponseWriter, r *http.Request) {
	drivers := h.pool.Snapshot()
	views := make([]driverView, 0, len(drivers))
	for _, d := range drivers {
		views = append(views, driverView{
			ID:         d.ID,
			State:      string(d.State),
			Position:   d.Position,
			Cell:       d.Position.Cell(),
			OrderID:    d.CurrentOrderID,
			ReportedAt: d.ReportedAt,
		})
	}
	available, busy := h.pool.Counts()
	writeJSON(w, driversResponse{Available: available, Busy: busy, Drivers: views})
}

func (h *Handler) getOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.table.Snapshot()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	writeJSON(w, ordersResponse{Count: len(orders), Orders: orders})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.table.Get(chi.URLParam(r, "orderID"))
	if !ok {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, o)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
