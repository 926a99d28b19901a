package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/icap-logistics/icap-track/internal/broker/messages"
	"github.com/icap-logistics/icap-track/internal/cache"
	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/icap-logistics/icap-track/internal/storage/pgorders"
	"github.com/pkg/errors"
)

var ErrInvalidStatus = errors.New("invalid status")

type Repository interface {
	GetOrderByCode(ctx context.Context, code string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, code, newStatus string) error
	AppendTrackingPoint(ctx context.Context, in pgorders.PointAppendInput) error
	ListTrackingPointsByCode(ctx context.Context, code string) ([]*models.TrackingPoint, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type ValidationResult struct {
	Valid   bool          `json:"valid"`
	Code    string        `json:"orderId"`
	Status  string        `json:"status,omitempty"`
	Message string        `json:"message"`
	Details *OrderDetails `json:"details,omitempty"`
}

type OrderDetails struct {
	Product      string     `json:"product"`
	Supplier     string     `json:"supplier"`
	DeliveryDate *time.Time `json:"deliveryDate,omitempty"`
}

// LastPosition is the derived "where is it now" record kept in redis and
// refreshed from consumed PointAppended messages.
type LastPosition struct {
	OrderCode  string     `json:"orderId"`
	Status     string     `json:"status"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	RecordedAt *time.Time `json:"recordedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Service struct {
	repo     Repository
	cache    cache.BytesCache
	producer Producer
	rl       RateLimiter

	topic string

	validationTTL time.Duration
	lastPosTTL    time.Duration

	locRatePerMinute int64
}

func New(repo Repository, c cache.BytesCache, producer Producer, rl RateLimiter, topic string) *Service {
	return &Service{
		repo:     repo,
		cache:    c,
		producer: producer,
		rl:       rl,
		topic:    topic,

		validationTTL:    60 * time.Second,
		lastPosTTL:       30 * time.Minute,
		locRatePerMinute: 120,
	}
}

func (s *Service) WithTTLs(validationTTL, lastPosTTL time.Duration) *Service {
	if validationTTL > 0 {
		s.validationTTL = validationTTL
	}
	if lastPosTTL > 0 {
		s.lastPosTTL = lastPosTTL
	}
	return s
}

func (s *Service) WithLocationRateLimit(perMinute int64) *Service {
	if perMinute > 0 {
		s.locRatePerMinute = perMinute
	}
	return s
}

// Validate looks an order up by its scannable code. An unknown code is a
// normal {valid:false} outcome, never an error. Read-only and idempotent.
func (s *Service) Validate(ctx context.Context, code string) (*ValidationResult, error) {
	if code == "" {
		return &ValidationResult{Valid: false, Code: code, Message: "Código do pedido vazio"}, nil
	}

	if s.cache != nil && s.validationTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, validateKey(code)); err == nil && ok {
			var r ValidationResult
			if json.Unmarshal(b, &r) == nil {
				return &r, nil
			}
		}
	}

	o, err := s.repo.GetOrderByCode(ctx, code)
	if errors.Is(err, models.ErrOrderNotFound) {
		return &ValidationResult{
			Valid:   false,
			Code:    code,
			Message: "Pedido não encontrado no sistema",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	r := validationResultFor(o)

	// Cache valid results only; a freshly registered order must not be
	// masked by a cached miss.
	s.cacheValidation(ctx, r)
	return r, nil
}

func validationResultFor(o *models.Order) *ValidationResult {
	return &ValidationResult{
		Valid:   true,
		Code:    o.Code,
		Status:  o.Status,
		Message: "Pedido válido",
		Details: &OrderDetails{
			Product:      o.Product,
			Supplier:     o.Supplier,
			DeliveryDate: o.DeliveryDate,
		},
	}
}

func (s *Service) cacheValidation(ctx context.Context, r *ValidationResult) {
	if s.cache == nil || s.validationTTL <= 0 {
		return
	}
	b, _ := json.Marshal(r)
	if err := s.cache.Set(ctx, validateKey(r.Code), b, s.validationTTL); err != nil {
		slog.Warn("validation cache set failed", "order", r.Code, "error", err.Error())
	}
}

// UpdateStatus overwrites the order status and appends a best-effort audit
// point recording the transition. The audit append is allowed to fail
// without failing the status update.
func (s *Service) UpdateStatus(ctx context.Context, code, newStatus string) error {
	if !models.IsValidStatus(newStatus) {
		return ErrInvalidStatus
	}

	if err := s.repo.UpdateOrderStatus(ctx, code, newStatus); err != nil {
		return err
	}

	// Everything past the UPDATE is best-effort: the cached validation
	// result and the audit trail may lag, but the status change itself
	// already succeeded.
	o, err := s.repo.GetOrderByCode(ctx, code)
	if err != nil {
		slog.Warn("status audit point skipped", "order", code, "error", err.Error())
		return nil
	}

	// Overwrite the cached validation result so a cache hit reflects the
	// transition immediately instead of after the TTL.
	s.cacheValidation(ctx, validationResultFor(o))

	err = s.repo.AppendTrackingPoint(ctx, pgorders.PointAppendInput{
		OrderID: o.ID,
		Status:  newStatus,
		Comment: fmt.Sprintf("Status alterado para %s", newStatus),
		UserID:  models.SystemActor,
	})
	if err != nil {
		slog.Warn("status audit point failed", "order", code, "error", err.Error())
	}
	return nil
}

// RecordLocation appends a tracking point for a location sample pushed by
// the driver app. Fails with models.ErrOrderNotFound for unknown codes so
// the client can stop retrying that sample.
func (s *Service) RecordLocation(ctx context.Context, sample models.LocationSample) error {
	o, err := s.repo.GetOrderByCode(ctx, sample.OrderCode)
	if err != nil {
		return err
	}

	if s.rl != nil && s.locRatePerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:loc:%s:%s", o.Code, time.Now().UTC().Format("200601021504"))
		if allowed, n, err := s.rl.Allow(ctx, minuteKey, s.locRatePerMinute, 70*time.Second); err == nil && !allowed {
			// Observation only: a misbehaving client floods the audit trail
			// but a dropped point would punch a hole in the trajectory.
			slog.Warn("location push rate exceeded", "order", o.Code, "count", n)
		}
	}

	recordedAt := sample.Timestamp.UTC()
	err = s.repo.AppendTrackingPoint(ctx, pgorders.PointAppendInput{
		OrderID:    o.ID,
		Status:     o.Status,
		UserID:     models.SystemActor,
		Latitude:   &sample.Latitude,
		Longitude:  &sample.Longitude,
		Accuracy:   sample.Accuracy,
		Speed:      sample.Speed,
		RecordedAt: &recordedAt,
	})
	if err != nil {
		return err
	}

	if s.producer != nil && s.topic != "" {
		msg := messages.PointAppended{
			OrderCode:  o.Code,
			Status:     o.Status,
			Latitude:   sample.Latitude,
			Longitude:  sample.Longitude,
			Accuracy:   sample.Accuracy,
			Speed:      sample.Speed,
			RecordedAt: &recordedAt,
			CreatedAt:  time.Now().UTC(),
		}
		b, _ := json.Marshal(msg)
		if err := s.producer.Publish(ctx, s.topic, []byte(o.Code), b); err != nil {
			slog.Warn("point appended publish failed", "order", o.Code, "error", err.Error())
		}
	}
	return nil
}

// Trajectory returns the ordered audit trail for map rendering. Empty
// slice, not an error, for an order with no points yet.
func (s *Service) Trajectory(ctx context.Context, code string) ([]*models.TrackingPoint, error) {
	return s.repo.ListTrackingPointsByCode(ctx, code)
}

// ApplyPointAppended refreshes the last-position cache from a consumed
// kafka message.
func (s *Service) ApplyPointAppended(ctx context.Context, msg messages.PointAppended) error {
	if msg.OrderCode == "" {
		return errors.New("order_code is required")
	}
	if s.cache == nil || s.lastPosTTL <= 0 {
		return nil
	}
	pos := LastPosition{
		OrderCode:  msg.OrderCode,
		Status:     msg.Status,
		Latitude:   msg.Latitude,
		Longitude:  msg.Longitude,
		RecordedAt: msg.RecordedAt,
		UpdatedAt:  time.Now().UTC(),
	}
	b, _ := json.Marshal(pos)
	return s.cache.Set(ctx, lastPosKey(msg.OrderCode), b, s.lastPosTTL)
}

// LastKnownPosition serves the cached current position, falling back to the
// latest located trajectory point when the cache has nothing. Returns
// (nil, nil) when the order has no located points at all.
func (s *Service) LastKnownPosition(ctx context.Context, code string) (*LastPosition, error) {
	if s.cache != nil && s.lastPosTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, lastPosKey(code)); err == nil && ok {
			var pos LastPosition
			if json.Unmarshal(b, &pos) == nil {
				return &pos, nil
			}
		}
	}

	pts, err := s.repo.ListTrackingPointsByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		if p.Latitude == nil || p.Longitude == nil {
			continue
		}
		pos := &LastPosition{
			OrderCode:  code,
			Status:     p.Status,
			Latitude:   *p.Latitude,
			Longitude:  *p.Longitude,
			RecordedAt: p.RecordedAt,
			UpdatedAt:  p.CreatedAt,
		}
		if s.cache != nil && s.lastPosTTL > 0 {
			b, _ := json.Marshal(pos)
			_ = s.cache.Set(ctx, lastPosKey(code), b, s.lastPosTTL)
		}
		return pos, nil
	}
	return nil, nil
}

func validateKey(code string) string {
	return fmt.Sprintf("order:%s:validate", code)
}

func lastPosKey(code string) string {
	return fmt.Sprintf("order:%s:lastpos", code)
}
