package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// APIError is a non-2xx answer from the control plane. Body is the raw payload.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Body)
}

// Endpoint is the platform's view of an endpoint. Only the fields we read are decoded.
type Endpoint struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GPUIDs     string `json:"gpuIds,omitempty"`
	WorkersMin int    `json:"workersMin"`
	WorkersMax int    `json:"workersMax"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpclient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpclient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (c *Client) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// CreateEndpoint performs exactly one creation request. It is not idempotent.
func (c *Client) CreateEndpoint(ctx context.Context, ec *EndpointConfig) (*Endpoint, error) {
	c.logger.Info("creating endpoint",
		zap.String("name", ec.Name),
		zap.String("image", ec.ImageReference),
		zap.String("gpu", ec.GPUClass),
		zap.Int("min_workers", ec.MinWorkers),
		zap.Int("max_workers", ec.MaxWorkers))

	var ep Endpoint
	if err := c.do(ctx, http.MethodPost, "/v2/endpoints", ec, &ep); err != nil {
		return nil, err
	}
	if ep.ID == "" {
		return nil, fmt.Errorf("control plane response carries no endpoint id")
	}
	return &ep, nil
}

func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var eps []Endpoint
	if err := c.do(ctx, http.MethodGet, "/v2/endpoints", nil, &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

// FindEndpointByName returns nil when no endpoint carries name.
func (c *Client) FindEndpointByName(ctx context.Context, name string) (*Endpoint, error) {
	eps, err := c.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	for i := range eps {
		if eps[i].Name == name {
			return &eps[i], nil
		}
	}
	return nil, nil
}
