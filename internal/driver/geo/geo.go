package geo

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// The three failure kinds map 1:1 to platform geolocation error codes.
// Callers surface a distinct message per kind; retry policy is theirs.
var (
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position acquisition timed out")
)

// Fix is a single raw GPS reading, before it is tied to an order.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Speed     *float64
	Timestamp time.Time
}

type Config struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxSampleAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Sampler acquires the device's current position. One call, one fix;
// no retry logic lives behind this interface.
type Sampler interface {
	Sample(ctx context.Context) (Fix, error)
}
