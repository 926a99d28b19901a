package pgorders

import (
	"context"
	"time"

	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type OrderCreateInput struct {
	Code         string
	Status       string
	Product      string
	Supplier     string
	DeliveryDate *time.Time
}

// CreateOrder inserts an order, returning the existing row untouched when
// the code is already registered. Order creation belongs to the admin CRUD
// flows; this exists for seeding and tests.
func (s *Storage) CreateOrder(ctx context.Context, in OrderCreateInput) (*models.Order, error) {
	if in.Status == "" {
		in.Status = models.OrderStatusRegistrado
	}
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO orders (code, status, product, supplier, delivery_date, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
ON CONFLICT (code)
DO UPDATE SET updated_at = orders.updated_at
RETURNING id
`, in.Code, in.Status, in.Product, in.Supplier, in.DeliveryDate, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	return s.getOrderByID(ctx, id)
}

func (s *Storage) getOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	return s.scanOrder(s.db.QueryRow(ctx, `
SELECT id, code, status, product, supplier, delivery_date, created_at, updated_at
FROM orders
WHERE id = $1
`, id))
}

// GetOrderByCode looks an order up by its external (scannable) code.
// Returns models.ErrOrderNotFound when absent.
func (s *Storage) GetOrderByCode(ctx context.Context, code string) (*models.Order, error) {
	return s.scanOrder(s.db.QueryRow(ctx, `
SELECT id, code, status, product, supplier, delivery_date, created_at, updated_at
FROM orders
WHERE code = $1
`, code))
}

func (s *Storage) scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var deliveryDate *time.Time
	err := row.Scan(&o.ID, &o.Code, &o.Status, &o.Product, &o.Supplier, &deliveryDate, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan order")
	}
	o.DeliveryDate = deliveryDate
	return &o, nil
}

// UpdateOrderStatus overwrites the status column. Last writer wins; a single
// UPDATE keeps the transition atomic per row.
func (s *Storage) UpdateOrderStatus(ctx context.Context, code, newStatus string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE orders SET status = $2, updated_at = now() WHERE code = $1
`, code, newStatus)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}
