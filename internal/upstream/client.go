package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// ErrNoEndpoints is returned when the client has no upstream configured.
var ErrNoEndpoints = errors.New("no upstream endpoints configured")

// Client talks to one or more OpenAI-compatible upstreams. Each request goes
// to a random endpoint; failed attempts move on to an endpoint not yet
// tried.
type Client struct {
	endpoints []string
	apiKey    string
	attempts  int

	http *http.Client
}

// New creates a Client. baseURLs are OpenAI base URLs ending in /v1
// (e.g. http://localhost:8000/v1); a trailing slash is ignored.
func New(baseURLs []string, apiKey string, attempts int) *Client {
	var eps []string
	for _, u := range baseURLs {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			eps = append(eps, u)
		}
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		endpoints: eps,
		apiKey:    apiKey,
		attempts:  attempts,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Endpoints returns the configured base URLs.
func (c *Client) Endpoints() []string { return append([]string(nil), c.endpoints...) }

// pickEndpointExcluding returns a random endpoint not in the excluded set.
func (c *Client) pickEndpointExcluding(exclude map[string]bool) (string, error) {
	if len(c.endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	var candidates []string
	for _, ep := range c.endpoints {
		if !exclude[ep] {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		// All candidates exhausted; fall back to any endpoint.
		return c.endpoints[rand.Intn(len(c.endpoints))], nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// FetchModels returns the raw model list from upstream.
func (c *Client) FetchModels(ctx context.Context) ([]json.RawMessage, error) {
	b, status, err := c.Do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	if status >= 400 {
		return nil, guarderr.External("upstream", fmt.Errorf("fetch models: status %d: %s", status, string(b)))
	}

	var result struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return result.Data, nil
}

// Do sends a non-streaming request and returns the full response body.
// Transport failures are retried on other endpoints; HTTP error statuses are
// returned to the caller as-is.
func (c *Client) Do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	resp, err := c.send(ctx, c.http, method, path, payload)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return b, resp.StatusCode, err
}

// DoStream sends a request and returns the raw *http.Response for streaming.
// The caller must close resp.Body.
func (c *Client) DoStream(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	// No overall timeout on the client -- streaming responses can run for a long time.
	streamClient := &http.Client{
		Transport: c.http.Transport,
	}
	return c.send(ctx, streamClient, method, path, payload)
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, payload []byte) (*http.Response, error) {
	lastErr := ErrNoEndpoints
	tried := map[string]bool{}
	for attempt := 0; attempt < c.attempts; attempt++ {
		ep, err := c.pickEndpointExcluding(tried)
		if err != nil {
			break
		}
		tried[ep] = true
		resp, err := c.doWith(ctx, hc, ep, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("upstream: request failed, retrying with different endpoint", "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, guarderr.External("upstream", lastErr)
}

// doWith executes a request against a specific endpoint.
func (c *Client) doWith(ctx context.Context, hc *http.Client, ep, method, path string, payload []byte) (*http.Response, error) {
	url := ep + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	slog.Info("upstream request", "method", method, "url", url)
	return hc.Do(req)
}
