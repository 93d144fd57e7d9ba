package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"context"

	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient fetches metric snapshots from the backtest/metrics service over
// GET <base><path>/<versionId>. Each attempt runs under its own timeout; on
// exhaustion the error wraps ErrUnavailable so the gate can surface a
// retryable failure without partially applying state.
type HTTPClient struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("metrics base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics/agents"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) FetchMetrics(ctx context.Context, versionID uuid.UUID) (models.MetricSnapshot, error) {
	url := c.baseURL + c.path + "/" + versionID.String()

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return models.MetricSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return models.MetricSnapshot{}, fmt.Errorf("metrics build request: %w", err)
		}
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			snap, parseErr := decodeSnapshot(resp, versionID)
			resp.Body.Close()
			if parseErr == nil {
				return snap, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return models.MetricSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func decodeSnapshot(resp *http.Response, versionID uuid.UUID) (models.MetricSnapshot, error) {
	if resp.StatusCode != http.StatusOK {
		return models.MetricSnapshot{}, fmt.Errorf("metric source returned %s", resp.Status)
	}
	var payload struct {
		Metrics   map[string]float64 `json:"metrics"`
		Timestamp time.Time          `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.MetricSnapshot{}, fmt.Errorf("metrics decode response: %w", err)
	}
	if payload.Metrics == nil {
		payload.Metrics = map[string]float64{}
	}
	ts := payload.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return models.MetricSnapshot{VersionID: versionID, Metrics: payload.Metrics, Timestamp: ts}, nil
}
