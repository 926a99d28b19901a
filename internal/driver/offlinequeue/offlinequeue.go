// Package offlinequeue keeps location samples that could not be delivered
// to the server. The queue survives process restarts: every mutation is
// written to a JSON file in the state directory via an atomic rename.
package offlinequeue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/icap-logistics/icap-track/internal/driver/transport"
	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/pkg/errors"
)

const queueFile = "pending_locations.json"

// Sender delivers one sample to the server. transport.ErrOrderNotFound
// means the sample can never be delivered; any other error is transient.
type Sender interface {
	SendLocation(ctx context.Context, sample models.LocationSample) error
}

type Queue struct {
	mu      sync.Mutex
	path    string
	pending []models.LocationSample
	logger  *slog.Logger
}

// Open loads the queue persisted under dir, creating an empty one if no
// file exists yet.
func Open(dir string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}

	q := &Queue{
		path:   filepath.Join(dir, queueFile),
		logger: logger,
	}

	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, errors.Wrap(err, "read queue file")
	}
	if err := json.Unmarshal(raw, &q.pending); err != nil {
		// A corrupt file would wedge the queue forever. Start fresh and
		// keep the bad payload next to it for inspection.
		logger.Warn("queue file corrupt, resetting", "path", q.path, "error", err)
		_ = os.Rename(q.path, q.path+".corrupt")
		q.pending = nil
	}
	return q, nil
}

// Enqueue appends a sample and persists immediately.
func (q *Queue) Enqueue(sample models.LocationSample) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, sample)
	return q.persistLocked()
}

// Len reports how many samples are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain tries to deliver pending samples in arrival order. Delivered and
// permanently rejected samples leave the queue; the first transient
// failure stops the pass and keeps the remainder for the next one.
// Returns how many samples were delivered.
func (q *Queue) Drain(ctx context.Context, sender Sender) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	for len(q.pending) > 0 {
		if err := ctx.Err(); err != nil {
			q.persistBestEffortLocked()
			return sent, err
		}

		sample := q.pending[0]
		err := sender.SendLocation(ctx, sample)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, transport.ErrOrderNotFound):
			q.logger.Warn("dropping queued sample for unknown order",
				"order_code", sample.OrderCode,
				"recorded_at", sample.Timestamp)
		default:
			q.persistBestEffortLocked()
			return sent, errors.Wrap(err, "drain queue")
		}
		q.pending = q.pending[1:]
	}

	return sent, q.persistLocked()
}

func (q *Queue) persistLocked() error {
	raw, err := json.Marshal(q.pending)
	if err != nil {
		return errors.Wrap(err, "marshal queue")
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "write queue file")
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return errors.Wrap(err, "replace queue file")
	}
	return nil
}

func (q *Queue) persistBestEffortLocked() {
	if err := q.persistLocked(); err != nil {
		q.logger.Warn("persist queue", "error", err)
	}
}
