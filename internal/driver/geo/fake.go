package geo

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// FakeSampler is a stand-in for devices without a GPS agent (demo rigs,
// tests). It walks deterministically from a seed-derived start point.
type FakeSampler struct {
	mu    sync.Mutex
	lat   float64
	lon   float64
	steps int
}

func NewFakeSampler(seed string) *FakeSampler {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	v := h.Sum32()

	// Spread start points over a plausible delivery region.
	return &FakeSampler{
		lat: -25.0 - float64(v%1000)/1000.0,
		lon: -49.0 - float64((v/1000)%1000)/1000.0,
	}
}

func (f *FakeSampler) Sample(ctx context.Context) (Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.steps++
	f.lat += 0.0004
	f.lon -= 0.0002

	acc := 8.0
	speed := 12.5
	return Fix{
		Latitude:  f.lat,
		Longitude: f.lon,
		Accuracy:  &acc,
		Speed:     &speed,
		Timestamp: time.Now().UTC(),
	}, nil
}
