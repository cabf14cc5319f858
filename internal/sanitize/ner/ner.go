// Package ner provides a Detector that calls the NER sidecar over HTTP and
// keeps the entity labels enabled for the configured strength. A sidecar
// failure is an external-service error: the request is aborted instead of
// silently passing unredacted names.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gonkalabs/gonka-guard/internal/resilience"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
)

// labelTypes maps sidecar entity labels to mask types.
var labelTypes = map[string]string{
	"PERSON": "NAME",
	"PER":    "NAME",
	"ORG":    "ORGANIZATION",
	"GPE":    "LOCATION",
}

// MaskType returns the mask type for an entity label, or the upper-cased
// label itself when it has no mapping.
func MaskType(label string) string {
	label = strings.ToUpper(label)
	if t, ok := labelTypes[label]; ok {
		return t
	}
	return label
}

// Client calls the NER sidecar's /classify endpoint.
type Client struct {
	url      string
	http     *http.Client
	guard    *resilience.Guard
	entities map[string]bool
}

// New creates a Client pointing at baseURL (e.g. "http://sanitize-ner:8001")
// that keeps only spans whose label is in entities. A nil guard gets a
// single-try guard without a breaker.
func New(baseURL string, entities []string, timeout time.Duration, guard *resilience.Guard) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if guard == nil {
		guard = resilience.NewGuard("ner", resilience.RetryConfig{MaxTries: 1}, nil)
	}
	set := make(map[string]bool, len(entities))
	for _, e := range entities {
		set[strings.ToUpper(e)] = true
	}
	return &Client{
		url:      strings.TrimRight(baseURL, "/") + "/classify",
		http:     &http.Client{Timeout: timeout},
		guard:    guard,
		entities: set,
	}
}

// Entities returns the enabled labels.
func (c *Client) Entities() []string {
	out := make([]string, 0, len(c.entities))
	for e := range c.entities {
		out = append(out, e)
	}
	return out
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Name implements sanitize.Detector.
func (c *Client) Name() string { return "ner" }

// Detect sends text to the sidecar and returns spans for enabled labels.
// It is safe for concurrent use.
func (c *Client) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	if len(c.entities) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	result, err := resilience.Call(ctx, c.guard, func(ctx context.Context) (classifyResponse, error) {
		return c.classify(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	spans := make([]sanitize.Span, 0, len(result.Spans))
	for _, s := range result.Spans {
		label := strings.ToUpper(s.Label)
		if !c.entities[label] {
			continue
		}
		spans = append(spans, sanitize.Span{
			Start:  s.Start,
			End:    s.End,
			Type:   MaskType(label),
			Source: c.Name(),
		})
	}
	return spans, nil
}

func (c *Client) classify(ctx context.Context, body []byte) (classifyResponse, error) {
	var out classifyResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return out, resilience.Permanent(fmt.Errorf("ner: request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("ner: sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("ner: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return out, resilience.Permanent(err)
		}
		return out, err
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, resilience.Permanent(fmt.Errorf("ner: decode: %w", err))
	}
	return out, nil
}
