package pgorders

import (
	"context"
	"time"

	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/pkg/errors"
)

type PointAppendInput struct {
	OrderID    uint64
	Status     string
	Comment    string
	UserID     string
	Latitude   *float64
	Longitude  *float64
	Accuracy   *float64
	Speed      *float64
	RecordedAt *time.Time
}

// AppendTrackingPoint appends one point to the order's audit trail.
// Exact duplicates (same order/coordinates/recorded_at) are a no-op, which
// makes redelivery from the driver's offline queue idempotent.
func (s *Storage) AppendTrackingPoint(ctx context.Context, in PointAppendInput) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO tracking_points (
  order_id, status, comment, user_id, latitude, longitude, accuracy, speed, recorded_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
ON CONFLICT (order_id, latitude, longitude, recorded_at) DO NOTHING
`, in.OrderID, in.Status, in.Comment, in.UserID, in.Latitude, in.Longitude, in.Accuracy, in.Speed, in.RecordedAt)
	return errors.Wrap(err, "insert tracking point")
}

// ListTrackingPointsByCode returns the order's trajectory ascending by
// created_at (id breaks ties at equal timestamps). Empty slice, not an
// error, when the order has no points yet.
func (s *Storage) ListTrackingPointsByCode(ctx context.Context, code string) ([]*models.TrackingPoint, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  p.id, p.order_id, p.status, p.comment, p.user_id,
  p.latitude, p.longitude, p.accuracy, p.speed,
  p.recorded_at, p.created_at
FROM tracking_points p
JOIN orders o ON o.id = p.order_id
WHERE o.code = $1
ORDER BY p.created_at ASC, p.id ASC
`, code)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking points")
	}
	defer rows.Close()

	out := []*models.TrackingPoint{}
	for rows.Next() {
		var p models.TrackingPoint
		if err := rows.Scan(
			&p.ID, &p.OrderID, &p.Status, &p.Comment, &p.UserID,
			&p.Latitude, &p.Longitude, &p.Accuracy, &p.Speed,
			&p.RecordedAt, &p.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan tracking point")
		}
		out = append(out, &p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
