package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/pkg/errors"
)

// ErrOrderNotFound means the server no longer knows the order. The caller
// must stop retrying whatever carried it; anything else returned by this
// package is a transient network failure and is retryable.
var ErrOrderNotFound = errors.New("order not found on server")

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Code    string          `json:"orderId"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

type envelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidateOrder checks an order code. {valid:false} is a normal outcome,
// not an error; errors mean the server could not be asked.
func (c *Client) ValidateOrder(ctx context.Context, code string) (ValidationResult, error) {
	u, err := c.endpoint("/api/orders/validate/" + url.PathEscape(code))
	if err != nil {
		return ValidationResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ValidationResult{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ValidationResult{}, errors.Wrap(err, "validate order")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return ValidationResult{}, fmt.Errorf("validate order: http %d", resp.StatusCode)
	}

	var r ValidationResult
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return ValidationResult{}, errors.Wrap(err, "decode validation")
	}
	return r, nil
}

func (c *Client) UpdateStatus(ctx context.Context, code, newStatus string) error {
	u, err := c.endpoint("/api/orders/" + url.PathEscape(code) + "/status")
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"status": newStatus})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "update status")
	}
	defer resp.Body.Close()

	return c.decodeEnvelope(resp, "update status")
}

func (c *Client) SendLocation(ctx context.Context, sample models.LocationSample) error {
	u, err := c.endpoint("/api/tracking/location")
	if err != nil {
		return err
	}

	body, _ := json.Marshal(sample)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "send location")
	}
	defer resp.Body.Close()

	return c.decodeEnvelope(resp, "send location")
}

// HealthCheck reports whether the server is reachable and its database up.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	u, err := c.endpoint("/api/health")
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "health check")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return false, nil
	}
	var hb struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return false, errors.Wrap(err, "decode health")
	}
	return hb.Status == "ok" && hb.Database != "down", nil
}

func (c *Client) decodeEnvelope(resp *http.Response, op string) error {
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: http %d", op, resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Wrap(err, "decode "+op)
	}
	if env.Success {
		return nil
	}
	if env.Code == "not_found" {
		return ErrOrderNotFound
	}
	return fmt.Errorf("%s rejected: %s (%s)", op, env.Message, env.Code)
}

func (c *Client) endpoint(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	u.Path = path
	return u.String(), nil
}
