package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/icap-logistics/icap-track/internal/services/orders"
	"github.com/icap-logistics/icap-track/internal/storage/pgorders"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct{}

func (r *fakeRepo) GetOrderByCode(_ context.Context, code string) (*models.Order, error) {
	if code != "CAP2505260002" {
		return nil, models.ErrOrderNotFound
	}
	return &models.Order{ID: 1, Code: code, Status: models.StatusInTransit}, nil
}

func (r *fakeRepo) UpdateOrderStatus(context.Context, string, string) error { return nil }

func (r *fakeRepo) AppendTrackingPoint(context.Context, pgorders.PointAppendInput) error {
	return nil
}

func (r *fakeRepo) ListTrackingPointsByCode(context.Context, string) ([]*models.TrackingPoint, error) {
	return []*models.TrackingPoint{}, nil
}

type fakePinger struct{}

func (fakePinger) Ping(context.Context) error { return nil }

type fakeConsumer struct {
	mu      sync.Mutex
	payload []byte
	handled bool
}

func (c *fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	if c.payload != nil {
		_ = handler([]byte("CAP2505260002"), c.payload)
		c.mu.Lock()
		c.handled = true
		c.mu.Unlock()
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunTrackd_ServesAPIAndConsumes(t *testing.T) {
	svc := orders.New(&fakeRepo{}, nil, nil, nil, "")

	payload, err := json.Marshal(map[string]any{
		"order_code": "CAP2505260002",
		"status":     models.StatusInTransit,
		"latitude":   -25.4,
		"longitude":  -49.2,
	})
	require.NoError(t, err)
	cons := &fakeConsumer{payload: payload}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := trackdOpts{
		httpAddr:      "127.0.0.1:0",
		topic:         "t",
		consumerGroup: "g",
		onListen:      func(addr string) { addrCh <- addr },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runTrackd(ctx, opts, svc, fakePinger{}, cons) }()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), `"status":"ok"`)

	resp, err = http.Get("http://" + addr + "/api/orders/validate/CAP2505260002")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), `"valid":true`)

	require.Eventually(t, func() bool {
		cons.mu.Lock()
		defer cons.mu.Unlock()
		return cons.handled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting server to stop")
	}
}
