// Package session runs the delivery lifecycle on the driver device: one
// active order at a time, sampled on a fixed interval, with every sample
// either delivered to the server or parked in the offline queue.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icap-logistics/icap-track/internal/driver/geo"
	"github.com/icap-logistics/icap-track/internal/driver/offlinequeue"
	"github.com/icap-logistics/icap-track/internal/driver/transport"
	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/pkg/errors"
)

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateFinishing  State = "finishing"
)

var (
	ErrDeliveryInProgress = errors.New("a delivery is already in progress")
	ErrNoActiveDelivery   = errors.New("no active delivery")
)

const (
	defaultInterval = 30 * time.Second
	bufferCap       = 50
	snapshotFile    = "session.json"
)

// TransportClient is the slice of the server API the controller needs.
type TransportClient interface {
	ValidateOrder(ctx context.Context, code string) (transport.ValidationResult, error)
	UpdateStatus(ctx context.Context, code, newStatus string) error
	SendLocation(ctx context.Context, sample models.LocationSample) error
}

// OfflineQueue parks samples the server could not take.
type OfflineQueue interface {
	Enqueue(sample models.LocationSample) error
	Drain(ctx context.Context, sender offlinequeue.Sender) (int, error)
	Len() int
}

// BufferEntry is one sampled point kept for the on-device display.
type BufferEntry struct {
	Sample    models.LocationSample `json:"sample"`
	Delivered bool                  `json:"delivered"`
}

type Controller struct {
	sampler   geo.Sampler
	transport TransportClient
	queue     OfflineQueue
	logger    *slog.Logger

	stateDir string

	mu        sync.Mutex
	state     State
	orderCode string
	buffer    []BufferEntry

	intervalNanos atomic.Int64
	intervalCh    chan struct{}
	triggerCh     chan struct{}

	sampling atomic.Bool

	startedAtUnixNano  int64
	lastSampleUnixNano atomic.Int64
	samplesTaken       atomic.Int64
	samplesSent        atomic.Int64
	samplesQueued      atomic.Int64
	totalErrors        atomic.Int64
	lastErrorMu        sync.Mutex
	lastError          string
}

// New builds an idle controller. A snapshot persisted under stateDir by a
// previous run restores the interrupted session so sampling resumes after
// a restart.
func New(sampler geo.Sampler, tc TransportClient, queue OfflineQueue, stateDir string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		sampler:           sampler,
		transport:         tc,
		queue:             queue,
		logger:            logger,
		stateDir:          stateDir,
		state:             StateIdle,
		intervalCh:        make(chan struct{}, 1),
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
	c.intervalNanos.Store(int64(defaultInterval))
	c.restoreSnapshot()
	return c
}

func (c *Controller) WithInterval(d time.Duration) *Controller {
	if d > 0 {
		c.intervalNanos.Store(int64(d))
	}
	return c
}

// Start validates the order on the server, marks it in transit and begins
// sampling. Rejections come back as errors carrying the server's message.
func (c *Controller) Start(ctx context.Context, orderCode string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrDeliveryInProgress
	}
	c.state = StateValidating
	c.mu.Unlock()

	res, err := c.transport.ValidateOrder(ctx, orderCode)
	if err != nil {
		c.setIdle()
		return errors.Wrap(err, "validate order")
	}
	if !res.Valid {
		c.setIdle()
		return fmt.Errorf("order rejected: %s", res.Message)
	}

	if err := c.transport.UpdateStatus(ctx, orderCode, models.StatusInTransit); err != nil {
		c.setIdle()
		return errors.Wrap(err, "mark order in transit")
	}

	c.mu.Lock()
	c.state = StateActive
	c.orderCode = orderCode
	c.buffer = nil
	c.persistSnapshotLocked()
	c.mu.Unlock()

	c.logger.Info("delivery started", "order_code", orderCode)
	c.Trigger()
	return nil
}

// Pause suspends sampling; the session and its buffer survive.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNoActiveDelivery
	}
	c.state = StatePaused
	c.persistSnapshotLocked()
	c.logger.Info("delivery paused", "order_code", c.orderCode)
	return nil
}

// Resume re-enables sampling; the next point arrives on the next tick.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return ErrNoActiveDelivery
	}
	c.state = StateActive
	c.persistSnapshotLocked()
	c.logger.Info("delivery resumed", "order_code", c.orderCode)
	return nil
}

// Finish marks the order delivered on the server and ends the session.
// If the server rejects the update the session stays as it was, so the
// driver can retry once connectivity returns.
func (c *Controller) Finish(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive && c.state != StatePaused {
		c.mu.Unlock()
		return ErrNoActiveDelivery
	}
	prev := c.state
	code := c.orderCode
	c.state = StateFinishing
	c.mu.Unlock()

	if err := c.transport.UpdateStatus(ctx, code, models.StatusDelivered); err != nil {
		c.mu.Lock()
		c.state = prev
		c.mu.Unlock()
		return errors.Wrap(err, "mark order delivered")
	}

	c.clearSession()
	c.logger.Info("delivery finished", "order_code", code)

	if c.queue.Len() > 0 {
		if n, err := c.queue.Drain(ctx, c.transport); err != nil {
			c.logger.Warn("drain after finish", "delivered", n, "error", err)
		}
	}
	return nil
}

// Stop abandons the session without telling the server anything. Queued
// samples stay on disk for a later drain.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return ErrNoActiveDelivery
	}
	code := c.orderCode
	c.mu.Unlock()

	c.clearSession()
	c.logger.Info("delivery stopped without completion", "order_code", code)
	return nil
}

// SetInterval changes the sampling cadence without touching session state.
func (c *Controller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("interval must be positive")
	}
	c.intervalNanos.Store(int64(d))
	select {
	case c.intervalCh <- struct{}{}:
	default:
	}
	return nil
}

// Trigger forces an immediate sample (best-effort, non-blocking).
func (c *Controller) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Drain pushes queued samples to the server right now.
func (c *Controller) Drain(ctx context.Context) (int, error) {
	return c.queue.Drain(ctx, c.transport)
}

type Snapshot struct {
	State       State         `json:"state"`
	OrderCode   string        `json:"orderCode,omitempty"`
	Interval    time.Duration `json:"-"`
	IntervalSec float64       `json:"intervalSeconds"`
	Pending     int           `json:"pendingSamples"`
	Buffer      []BufferEntry `json:"buffer"`
	Stats       Stats         `json:"stats"`
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastSampleAt  *time.Time `json:"lastSampleAt,omitempty"`
	SamplesTaken  int64      `json:"samplesTaken"`
	SamplesSent   int64      `json:"samplesSent"`
	SamplesQueued int64      `json:"samplesQueued"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

// Status reports the session as the control plane and display see it:
// newest sample first, at most 50 entries.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	buf := make([]BufferEntry, len(c.buffer))
	copy(buf, c.buffer)
	snap := Snapshot{
		State:     c.state,
		OrderCode: c.orderCode,
		Buffer:    buf,
	}
	c.mu.Unlock()

	iv := time.Duration(c.intervalNanos.Load())
	snap.Interval = iv
	snap.IntervalSec = iv.Seconds()
	snap.Pending = c.queue.Len()
	snap.Stats = c.stats()
	return snap
}

func (c *Controller) stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, c.startedAtUnixNano).UTC(),
		SamplesTaken:  c.samplesTaken.Load(),
		SamplesSent:   c.samplesSent.Load(),
		SamplesQueued: c.samplesQueued.Load(),
		TotalErrors:   c.totalErrors.Load(),
	}
	if n := c.lastSampleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSampleAt = &t
	}
	c.lastErrorMu.Lock()
	st.LastError = c.lastError
	c.lastErrorMu.Unlock()
	return st
}

// Run drives the sampling loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(time.Duration(c.intervalNanos.Load()))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.intervalCh:
			// Re-read the stored interval rather than passing it through
			// the channel: with rapid SetInterval calls the channel would
			// hold the older value.
			t.Reset(time.Duration(c.intervalNanos.Load()))
		case <-t.C:
			c.sampleOnce(ctx)
			drainStaleTick(t)
		case <-c.triggerCh:
			c.sampleOnce(ctx)
			drainStaleTick(t)
		}
	}
}

// A cycle slower than the interval leaves a catch-up tick buffered in the
// ticker; firing it would space two samples closer than the interval. The
// interval is the minimum spacing, so the stale tick is dropped.
func drainStaleTick(t *time.Ticker) {
	select {
	case <-t.C:
	default:
	}
}

func (c *Controller) sampleOnce(ctx context.Context) {
	// A slow GPS fix or send must not stack a second cycle on top.
	if !c.sampling.CompareAndSwap(false, true) {
		return
	}
	defer c.sampling.Store(false)

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	code := c.orderCode
	c.mu.Unlock()

	fix, err := c.sampler.Sample(ctx)
	if err != nil {
		c.noteError(err)
		c.logger.Warn("gps sample", "order_code", code, "error", err.Error())
		return
	}

	c.lastSampleUnixNano.Store(time.Now().UTC().UnixNano())
	c.samplesTaken.Add(1)

	sample := models.LocationSample{
		OrderCode: code,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
		Speed:     fix.Speed,
		Timestamp: fix.Timestamp,
	}

	delivered := c.deliver(ctx, sample)
	c.recordSample(sample, delivered)

	if delivered && c.queue.Len() > 0 {
		if n, err := c.queue.Drain(ctx, c.transport); err != nil {
			c.logger.Warn("opportunistic drain", "delivered", n, "error", err)
		} else if n > 0 {
			c.logger.Info("offline queue drained", "delivered", n)
		}
	}
}

func (c *Controller) deliver(ctx context.Context, sample models.LocationSample) bool {
	err := c.transport.SendLocation(ctx, sample)
	if err == nil {
		c.samplesSent.Add(1)
		return true
	}

	c.noteError(err)
	if errors.Is(err, transport.ErrOrderNotFound) {
		// Retrying can never succeed, so the sample is dropped.
		c.logger.Warn("server no longer knows the order, sample dropped",
			"order_code", sample.OrderCode)
		return false
	}

	if qerr := c.queue.Enqueue(sample); qerr != nil {
		c.logger.Error("enqueue sample", "order_code", sample.OrderCode, "error", qerr.Error())
		return false
	}
	c.samplesQueued.Add(1)
	c.logger.Warn("server unreachable, sample queued",
		"order_code", sample.OrderCode, "pending", c.queue.Len())
	return false
}

func (c *Controller) recordSample(sample models.LocationSample, delivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = append([]BufferEntry{{Sample: sample, Delivered: delivered}}, c.buffer...)
	if len(c.buffer) > bufferCap {
		c.buffer = c.buffer[:bufferCap]
	}
}

func (c *Controller) noteError(err error) {
	c.totalErrors.Add(1)
	c.lastErrorMu.Lock()
	c.lastError = err.Error()
	c.lastErrorMu.Unlock()
}

func (c *Controller) setIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Controller) clearSession() {
	c.mu.Lock()
	c.state = StateIdle
	c.orderCode = ""
	c.buffer = nil
	c.removeSnapshotLocked()
	c.mu.Unlock()
}

type snapshotOnDisk struct {
	State     State  `json:"state"`
	OrderCode string `json:"orderCode"`
}

func (c *Controller) snapshotPath() string {
	return filepath.Join(c.stateDir, snapshotFile)
}

func (c *Controller) persistSnapshotLocked() {
	if c.stateDir == "" {
		return
	}
	raw, err := json.Marshal(snapshotOnDisk{State: c.state, OrderCode: c.orderCode})
	if err != nil {
		return
	}
	tmp := c.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		c.logger.Warn("persist session", "error", err)
		return
	}
	if err := os.Rename(tmp, c.snapshotPath()); err != nil {
		c.logger.Warn("persist session", "error", err)
	}
}

func (c *Controller) removeSnapshotLocked() {
	if c.stateDir == "" {
		return
	}
	_ = os.Remove(c.snapshotPath())
}

func (c *Controller) restoreSnapshot() {
	if c.stateDir == "" {
		return
	}
	raw, err := os.ReadFile(c.snapshotPath())
	if err != nil {
		return
	}
	var s snapshotOnDisk
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn("session snapshot corrupt, ignoring", "error", err)
		return
	}
	switch s.State {
	case StateActive, StatePaused:
		c.state = s.State
		c.orderCode = s.OrderCode
		c.logger.Info("restored interrupted delivery",
			"order_code", s.OrderCode, "state", string(s.State))
	}
}
