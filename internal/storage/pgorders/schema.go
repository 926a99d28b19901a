package pgorders

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL,
  status TEXT NOT NULL,
  product TEXT NOT NULL DEFAULT '',
  supplier TEXT NOT NULL DEFAULT '',
  delivery_date DATE NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (code)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_points (
  id BIGSERIAL PRIMARY KEY,
  order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  latitude DOUBLE PRECISION NULL,
  longitude DOUBLE PRECISION NULL,
  accuracy DOUBLE PRECISION NULL,
  speed DOUBLE PRECISION NULL,
  recorded_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_points_order_id_created_at ON tracking_points(order_id, created_at ASC)`,
		// A redelivered sample (offline drain after a lost response) must not
		// re-insert the same point. Audit rows carry NULLs here, so they
		// never collide with each other.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_points_dedup ON tracking_points(order_id, latitude, longitude, recorded_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
