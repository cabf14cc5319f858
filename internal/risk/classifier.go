package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/resilience"
)

// ScoreDistribution maps a label to a probability in [0,1]. Probabilities
// need not sum to one.
type ScoreDistribution map[string]float64

// Argmax returns the highest-probability label. Ties go to the
// lexicographically smaller label so the result is deterministic; an empty
// distribution yields "".
func (d ScoreDistribution) Argmax() string {
	labels := make([]string, 0, len(d))
	for l := range d {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	best, bestP := "", -1.0
	for _, l := range labels {
		if d[l] > bestP {
			best, bestP = l, d[l]
		}
	}
	return best
}

// Classifier scores one sentence. Implementations must be safe for
// concurrent use.
type Classifier interface {
	Classify(ctx context.Context, sentence string) (ScoreDistribution, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, sentence string) (ScoreDistribution, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, sentence string) (ScoreDistribution, error) {
	return f(ctx, sentence)
}

// HTTPClassifier calls a text-classification sidecar:
//
//	POST {base}/classify {"text": "...", "model": "..."}
//	→ {"scores": {"label": p, ...}} or {"scores": [{"label": "...", "score": p}, ...]}
//
// Labels are lower-cased.
type HTTPClassifier struct {
	url   string
	model string
	http  *http.Client
	guard *resilience.Guard
}

// NewHTTPClassifier returns a classifier for model served at baseURL.
func NewHTTPClassifier(baseURL, model string, timeout time.Duration, guard *resilience.Guard) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if guard == nil {
		guard = resilience.NewGuard("classifier", resilience.RetryConfig{MaxTries: 1}, nil)
	}
	return &HTTPClassifier{
		url:   strings.TrimRight(baseURL, "/") + "/classify",
		model: model,
		http:  &http.Client{Timeout: timeout},
		guard: guard,
	}
}

type classifyRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, sentence string) (ScoreDistribution, error) {
	body, err := json.Marshal(classifyRequest{Text: sentence, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("classifier: marshal: %w", err)
	}
	return resilience.Call(ctx, c.guard, func(ctx context.Context) (ScoreDistribution, error) {
		return c.do(ctx, body)
	})
}

func (c *HTTPClassifier) do(ctx context.Context, body []byte) (ScoreDistribution, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("classifier: request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier: unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("classifier: %s: unexpected status %d: %s", c.model, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}

	var out struct {
		Scores json.RawMessage `json:"scores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("classifier: decode: %w", err))
	}
	dist, err := decodeScores(out.Scores)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	return dist, nil
}

func decodeScores(raw json.RawMessage) (ScoreDistribution, error) {
	dist := ScoreDistribution{}
	var m map[string]float64
	if err := json.Unmarshal(raw, &m); err == nil {
		for l, p := range m {
			dist[strings.ToLower(l)] = p
		}
		return dist, nil
	}
	var list []labelScore
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.New("classifier: scores must be an object or a list of {label, score}")
	}
	for _, ls := range list {
		dist[strings.ToLower(ls.Label)] = ls.Score
	}
	return dist, nil
}

// Ensemble averages the distributions of its members label by label. A label
// missing from a member counts as 0 for that member. Any member error fails
// the call.
type Ensemble struct {
	members []Classifier
}

// NewEnsemble returns an Ensemble; it needs at least one member.
func NewEnsemble(members ...Classifier) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, guarderr.Config("classifier", "ensemble needs at least one member")
	}
	return &Ensemble{members: members}, nil
}

// Classify implements Classifier.
func (e *Ensemble) Classify(ctx context.Context, sentence string) (ScoreDistribution, error) {
	if len(e.members) == 1 {
		return e.members[0].Classify(ctx, sentence)
	}
	sum := ScoreDistribution{}
	for _, m := range e.members {
		d, err := m.Classify(ctx, sentence)
		if err != nil {
			return nil, err
		}
		for l, p := range d {
			sum[l] += p
		}
	}
	n := float64(len(e.members))
	for l := range sum {
		sum[l] /= n
	}
	return sum, nil
}
