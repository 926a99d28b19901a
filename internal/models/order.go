package models

import (
	"time"

	"github.com/pkg/errors"
)

// Order statuses as used by the i-CAP admin flows. The tracking core only
// drives the OrderStatusEmRota/OrderStatusEmTransporte -> OrderStatusEntregue edge.
const (
	OrderStatusRegistrado   = "Registrado"
	OrderStatusCarregado    = "Carregado"
	OrderStatusEmRota       = "Em Rota"
	OrderStatusEmTransporte = "Em transporte"
	OrderStatusEntregue     = "Entregue"
	OrderStatusSuspenso     = "Suspenso"
	OrderStatusCancelado    = "Cancelado"
)

// StatusInTransit and StatusDelivered are the two statuses the driver app writes.
const (
	StatusInTransit = OrderStatusEmRota
	StatusDelivered = OrderStatusEntregue
)

// SystemActor is the fixed attribution for points written by the driver app.
const SystemActor = "appmob"

var ErrOrderNotFound = errors.New("order not found")

var knownStatuses = map[string]struct{}{
	OrderStatusRegistrado:   {},
	OrderStatusCarregado:    {},
	OrderStatusEmRota:       {},
	OrderStatusEmTransporte: {},
	OrderStatusEntregue:     {},
	OrderStatusSuspenso:     {},
	OrderStatusCancelado:    {},
}

func IsValidStatus(s string) bool {
	_, ok := knownStatuses[s]
	return ok
}

type Order struct {
	ID           uint64
	Code         string
	Status       string
	Product      string
	Supplier     string
	DeliveryDate *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TrackingPoint is one durable (status, location) record in an order's
// audit trail. Append-only; never mutated or deleted. Coordinates are nil
// on status-transition audit rows, which carry no GPS fix.
type TrackingPoint struct {
	ID         uint64
	OrderID    uint64
	Status     string
	Comment    string
	UserID     string
	Latitude   *float64
	Longitude  *float64
	Accuracy   *float64
	Speed      *float64
	RecordedAt *time.Time
	CreatedAt  time.Time
}

// LocationSample is a single GPS fix produced on the driver's device.
// Immutable once created; timestamp comes from the client clock.
type LocationSample struct {
	OrderCode string    `json:"orderId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
