package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Agent error codes, same numbering as the platform geolocation API.
const (
	agentPermissionDenied    = 1
	agentPositionUnavailable = 2
	agentTimeout             = 3
)

// AgentClient reads the current fix from a local GPS agent over HTTP
// (the device-side bridge exposing the platform location service).
type AgentClient struct {
	baseURL string
	cfg     Config
	httpc   *http.Client
}

func NewAgentClient(baseURL string, cfg Config) *AgentClient {
	if baseURL == "" {
		baseURL = "http://localhost:7070"
	}
	cfg = cfg.withDefaults()
	return &AgentClient{
		baseURL: baseURL,
		cfg:     cfg,
		httpc: &http.Client{
			// Leave headroom over the acquisition timeout for the HTTP hop.
			Timeout: cfg.Timeout + 2*time.Second,
		},
	}
}

type agentResp struct {
	Code     int    `json:"code"`
	Message  string `json:"message,omitempty"`
	Position *struct {
		Latitude  float64   `json:"latitude"`
		Longitude float64   `json:"longitude"`
		Accuracy  *float64  `json:"accuracy,omitempty"`
		Speed     *float64  `json:"speed,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"position,omitempty"`
}

func (c *AgentClient) Sample(ctx context.Context) (Fix, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Fix{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/position"

	q := u.Query()
	q.Set("highAccuracy", strconv.FormatBool(c.cfg.HighAccuracy))
	q.Set("timeoutMs", strconv.FormatInt(c.cfg.Timeout.Milliseconds(), 10))
	if c.cfg.MaxSampleAge > 0 {
		q.Set("maxAgeMs", strconv.FormatInt(c.cfg.MaxSampleAge.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Fix{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return Fix{}, ErrTimeout
		}
		// The agent itself is unreachable: no fix is obtainable.
		return Fix{}, errors.Wrap(ErrPositionUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Fix{}, errors.Wrap(ErrPositionUnavailable, fmt.Sprintf("gps agent http %d", resp.StatusCode))
	}

	var rb agentResp
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return Fix{}, errors.Wrap(ErrPositionUnavailable, "decode agent response")
	}

	switch rb.Code {
	case 0:
	case agentPermissionDenied:
		return Fix{}, ErrPermissionDenied
	case agentPositionUnavailable:
		return Fix{}, ErrPositionUnavailable
	case agentTimeout:
		return Fix{}, ErrTimeout
	default:
		return Fix{}, errors.Wrap(ErrPositionUnavailable, fmt.Sprintf("gps agent code %d", rb.Code))
	}

	if rb.Position == nil {
		return Fix{}, errors.Wrap(ErrPositionUnavailable, "agent returned no position")
	}

	ts := rb.Position.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Fix{
		Latitude:  rb.Position.Latitude,
		Longitude: rb.Position.Longitude,
		Accuracy:  rb.Position.Accuracy,
		Speed:     rb.Position.Speed,
		Timestamp: ts.UTC(),
	}, nil
}
