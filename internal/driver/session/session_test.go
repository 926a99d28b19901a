package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/icap-logistics/icap-track/internal/driver/geo"
	"github.com/icap-logistics/icap-track/internal/driver/offlinequeue"
	"github.com/icap-logistics/icap-track/internal/driver/transport"
	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu sync.Mutex

	validateResult transport.ValidationResult
	validateErr    error
	statusErr      error
	sendErr        error

	statuses []string
	sent     []models.LocationSample
}

func (f *fakeTransport) ValidateOrder(context.Context, string) (transport.ValidationResult, error) {
	return f.validateResult, f.validateErr
}

func (f *fakeTransport) UpdateStatus(_ context.Context, _, newStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, newStatus)
	return nil
}

func (f *fakeTransport) SendLocation(_ context.Context, sample models.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sample)
	return nil
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func validTransport() *fakeTransport {
	return &fakeTransport{
		validateResult: transport.ValidationResult{Valid: true, Code: "CAP1", Status: models.StatusInTransit},
	}
}

func newTestController(t *testing.T, tc TransportClient) *Controller {
	t.Helper()
	q, err := offlinequeue.Open(t.TempDir(), slog.Default())
	require.NoError(t, err)
	return New(geo.NewFakeSampler("CAP1"), tc, q, "", slog.Default())
}

func TestController_StartHappyPath(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)

	require.NoError(t, c.Start(context.Background(), "CAP1"))
	require.Equal(t, StateActive, c.Status().State)
	require.Equal(t, "CAP1", c.Status().OrderCode)
	require.Equal(t, []string{models.StatusInTransit}, tc.statuses)

	require.ErrorIs(t, c.Start(context.Background(), "CAP2"), ErrDeliveryInProgress)
}

func TestController_StartRejectedOrder(t *testing.T) {
	tc := &fakeTransport{
		validateResult: transport.ValidationResult{Valid: false, Message: "Pedido não encontrado no sistema"},
	}
	c := newTestController(t, tc)

	err := c.Start(context.Background(), "INVALID123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Pedido não encontrado")
	require.Equal(t, StateIdle, c.Status().State)
	require.Empty(t, tc.statuses)
}

func TestController_StartValidationUnreachable(t *testing.T) {
	tc := &fakeTransport{validateErr: errors.New("connection refused")}
	c := newTestController(t, tc)

	require.Error(t, c.Start(context.Background(), "CAP1"))
	require.Equal(t, StateIdle, c.Status().State)
}

func TestController_SampleSendsAndBuffers(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	c.sampleOnce(context.Background())
	c.sampleOnce(context.Background())

	require.Equal(t, 2, tc.sentCount())
	require.Equal(t, "CAP1", tc.sent[0].OrderCode)

	snap := c.Status()
	require.Len(t, snap.Buffer, 2)
	require.True(t, snap.Buffer[0].Delivered)
	// Newest first.
	require.Equal(t, tc.sent[1].Latitude, snap.Buffer[0].Sample.Latitude)
	require.Equal(t, int64(2), snap.Stats.SamplesTaken)
	require.Equal(t, int64(2), snap.Stats.SamplesSent)
}

func TestController_PausedSkipsSampling(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))
	require.NoError(t, c.Pause())

	c.sampleOnce(context.Background())
	require.Equal(t, 0, tc.sentCount())
	require.Equal(t, StatePaused, c.Status().State)

	require.NoError(t, c.Resume())
	c.sampleOnce(context.Background())
	require.Equal(t, 1, tc.sentCount())
}

func TestController_OfflineSamplesQueuedThenDrained(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	tc.setSendErr(errors.New("network is unreachable"))
	c.sampleOnce(context.Background())
	c.sampleOnce(context.Background())

	snap := c.Status()
	require.Equal(t, 2, snap.Pending)
	require.False(t, snap.Buffer[0].Delivered)
	require.Equal(t, int64(2), snap.Stats.SamplesQueued)
	require.Equal(t, 0, tc.sentCount())

	// Connectivity returns: the next live send drains the backlog too.
	tc.setSendErr(nil)
	c.sampleOnce(context.Background())

	require.Equal(t, 0, c.Status().Pending)
	require.Equal(t, 3, tc.sentCount())
	// Live sample first, then the two queued ones in arrival order.
	require.Equal(t, int64(3), c.Status().Stats.SamplesTaken)
}

func TestController_NotFoundSampleDroppedNotQueued(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	tc.setSendErr(transport.ErrOrderNotFound)
	c.sampleOnce(context.Background())

	snap := c.Status()
	require.Equal(t, 0, snap.Pending)
	require.Len(t, snap.Buffer, 1)
	require.False(t, snap.Buffer[0].Delivered)
}

func TestController_FinishMarksDelivered(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))
	c.sampleOnce(context.Background())

	require.NoError(t, c.Finish(context.Background()))
	snap := c.Status()
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, snap.OrderCode)
	require.Empty(t, snap.Buffer)
	require.Equal(t, []string{models.StatusInTransit, models.StatusDelivered}, tc.statuses)
}

func TestController_FinishFailureKeepsSession(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	tc.mu.Lock()
	tc.statusErr = errors.New("connection refused")
	tc.mu.Unlock()

	require.Error(t, c.Finish(context.Background()))
	require.Equal(t, StateActive, c.Status().State)
	require.Equal(t, "CAP1", c.Status().OrderCode)
}

func TestController_StopDiscardsWithoutServerCall(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))
	c.sampleOnce(context.Background())

	require.NoError(t, c.Stop())
	snap := c.Status()
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, snap.Buffer)
	// Only the start transition reached the server.
	require.Equal(t, []string{models.StatusInTransit}, tc.statuses)

	require.ErrorIs(t, c.Stop(), ErrNoActiveDelivery)
}

func TestController_BufferCapped(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc)
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	for i := 0; i < bufferCap+10; i++ {
		c.sampleOnce(context.Background())
	}
	require.Len(t, c.Status().Buffer, bufferCap)
}

func TestController_SetInterval(t *testing.T) {
	c := newTestController(t, validTransport())
	require.Error(t, c.SetInterval(0))
	require.NoError(t, c.SetInterval(5*time.Second))
	require.Equal(t, 5*time.Second, c.Status().Interval)
}

func TestController_SnapshotRestoresSession(t *testing.T) {
	dir := t.TempDir()
	tc := validTransport()
	q, err := offlinequeue.Open(dir, slog.Default())
	require.NoError(t, err)

	c := New(geo.NewFakeSampler("CAP1"), tc, q, dir, slog.Default())
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	restored := New(geo.NewFakeSampler("CAP1"), tc, q, dir, slog.Default())
	snap := restored.Status()
	require.Equal(t, StateActive, snap.State)
	require.Equal(t, "CAP1", snap.OrderCode)

	// Finishing removes the snapshot, so the next start is clean.
	require.NoError(t, restored.Finish(context.Background()))
	fresh := New(geo.NewFakeSampler("CAP1"), tc, q, dir, slog.Default())
	require.Equal(t, StateIdle, fresh.Status().State)
}

// slowTransport stalls the first send long enough to overrun the ticker.
type slowTransport struct {
	*fakeTransport
	firstSendDelay time.Duration

	sendMu    sync.Mutex
	sendTimes []time.Time
}

func (s *slowTransport) SendLocation(ctx context.Context, sample models.LocationSample) error {
	s.sendMu.Lock()
	s.sendTimes = append(s.sendTimes, time.Now())
	first := len(s.sendTimes) == 1
	s.sendMu.Unlock()

	if first && s.firstSendDelay > 0 {
		time.Sleep(s.firstSendDelay)
	}
	return s.fakeTransport.SendLocation(ctx, sample)
}

func (s *slowTransport) times() []time.Time {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	out := make([]time.Time, len(s.sendTimes))
	copy(out, s.sendTimes)
	return out
}

func TestController_SlowSendKeepsMinimumSpacing(t *testing.T) {
	const interval = 100 * time.Millisecond

	st := &slowTransport{fakeTransport: validTransport(), firstSendDelay: 250 * time.Millisecond}
	q, err := offlinequeue.Open(t.TempDir(), slog.Default())
	require.NoError(t, err)
	c := New(geo.NewFakeSampler("CAP1"), st, q, "", slog.Default()).WithInterval(interval)

	require.NoError(t, c.Start(context.Background(), "CAP1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(st.times()) >= 5
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// The interval is the minimum spacing between samples. The overrun of
	// the first send must not be "made up" by a burst of close samples.
	times := st.times()
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		require.GreaterOrEqual(t, gap, 75*time.Millisecond,
			"gap %d of %s is tighter than the sampling interval", i, gap)
	}
}

func TestController_SetIntervalLatestValueWins(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc).WithInterval(time.Hour)
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	// Wait out the trigger queued by Start so only ticks remain.
	require.Eventually(t, func() bool {
		return tc.sentCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Two back-to-back changes: the loop must apply the latest one even
	// when it has not yet consumed the first signal.
	require.NoError(t, c.SetInterval(time.Hour))
	require.NoError(t, c.SetInterval(25*time.Millisecond))

	require.Eventually(t, func() bool {
		return tc.sentCount() >= 3
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestController_RunSamplesOnTrigger(t *testing.T) {
	tc := validTransport()
	c := newTestController(t, tc).WithInterval(time.Hour)
	require.NoError(t, c.Start(context.Background(), "CAP1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	// Start already queued one trigger; wait for the loop to pick it up.
	require.Eventually(t, func() bool {
		return tc.sentCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	c.Trigger()
	require.Eventually(t, func() bool {
		return tc.sentCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
