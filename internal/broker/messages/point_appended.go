package messages

import "time"

// PointAppended is published to kafka after a tracking point is durably
// committed. Consumers maintain derived state (the last-known-position
// cache); the point itself is already in postgres.
type PointAppended struct {
	OrderCode  string     `json:"order_code"`
	Status     string     `json:"status"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
