// Package llmclassifier provides a Detector that asks a local
// OpenAI-compatible LLM (e.g. Ollama) for secrets the rule-based and NER
// detectors miss: API keys, passwords, private keys.
//
// The model returns the sensitive strings verbatim rather than byte offsets,
// because small models get offsets wrong. Occurrences are located in the
// original text here.
package llmclassifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/resilience"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
)

// SpanType is the mask type of every span this detector reports.
const SpanType = "SECRET"

const systemPrompt = `Extract secrets from the text. Return a JSON array of the exact strings that are secret. Return [] if nothing is secret.

Secrets include:
- API keys and tokens: strings starting with sk-, pk-, ghp_, Bearer, or any alphanumeric string that looks like a credential
- Passwords and passphrases mentioned explicitly
- Private keys (long hex or base64 strings)
- Connection strings that embed a password

Do NOT flag: [TYPE-N] placeholders, names, email addresses, phone numbers, dates, ordinary numbers or common words.

Return ONLY a valid JSON array of the exact strings. No explanation.

Examples:
Input: "my api key is sk-abc123xyz789"
Output: ["sk-abc123xyz789"]

Input: "db is postgres://app:s3cr3t@db:5432/app"
Output: ["postgres://app:s3cr3t@db:5432/app"]

Input: "how are you?"
Output: []`

// Classifier calls an LLM to detect secrets.
type Classifier struct {
	client *openai.Client
	model  string
	guard  *resilience.Guard
}

// New creates a Classifier. baseURL is the server root, e.g.
// "http://ollama:11434"; apiKey may be empty for local servers.
func New(baseURL, model, apiKey string, timeout time.Duration, guard *resilience.Guard) *Classifier {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if guard == nil {
		guard = resilience.NewGuard("llmclassifier", resilience.RetryConfig{MaxTries: 1}, nil)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Classifier{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		guard:  guard,
	}
}

// Name implements sanitize.Detector.
func (c *Classifier) Name() string { return "llm" }

// Detect implements sanitize.Detector. It is safe for concurrent use.
func (c *Classifier) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			// /no_think is Qwen3's control token to skip thinking.
			{Role: openai.ChatMessageRoleUser, Content: "Text to classify:\n" + text + "\n/no_think"},
		},
		Temperature: 0,
		MaxTokens:   2048,
	}

	resp, err := resilience.Call(ctx, c.guard, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
				return resp, resilience.Permanent(err)
			}
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		slog.Warn("llmclassifier: response truncated by token limit")
	}

	content := stripThinkBlock(strings.TrimSpace(choice.Message.Content))
	content = stripCodeFence(content)
	content = extractJSONArray(content)

	var values []string
	if err := json.Unmarshal([]byte(content), &values); err != nil {
		slog.Warn("llmclassifier: could not parse LLM output", "len", len(content), "err", err)
		return nil, guarderr.External("llmclassifier", fmt.Errorf("parse output: %w", err))
	}

	spans := Locate(text, values)
	if len(spans) > 0 {
		slog.Debug("llmclassifier: detected secrets", "count", len(spans))
	}
	return spans, nil
}

// Locate returns a span for every whole-word occurrence of each value in
// text. Values that look like mask tokens are ignored.
func Locate(text string, values []string) []sanitize.Span {
	var spans []sanitize.Span
	for _, val := range values {
		val = strings.TrimSpace(val)
		if val == "" || (strings.HasPrefix(val, "[") && strings.HasSuffix(val, "]")) {
			continue
		}
		start := 0
		for {
			idx := strings.Index(text[start:], val)
			if idx < 0 {
				break
			}
			abs := start + idx
			end := abs + len(val)
			start = end
			if isInsideWord(text, abs, end) {
				continue
			}
			spans = append(spans, sanitize.Span{
				Start:  abs,
				End:    end,
				Text:   val,
				Type:   SpanType,
				Source: "llm",
			})
		}
	}
	return spans
}

// isInsideWord reports whether [start,end) sits inside a larger word,
// e.g. "sd@yandex.ru" inside "asd@yandex.ru".
func isInsideWord(text string, start, end int) bool {
	if start > 0 && !isBoundary(text[start-1]) {
		return true
	}
	if end < len(text) && !isBoundary(text[end]) {
		return true
	}
	return false
}

func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '<', '>', ',', ';', ':', '.', '!', '?', '(', ')', '[', ']', '{', '}', '"', '\'', '`':
		return true
	}
	return false
}

// extractJSONArray returns the outermost [...] substring in s, or s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "]")
	if end < start {
		return s
	}
	return s[start : end+1]
}

// stripThinkBlock removes a leading <think>...</think> block.
func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s, close)
	if end < 0 {
		// Unclosed block: drop everything from <think> onwards.
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + s[end+len(close):])
}

// stripCodeFence removes ```json ... ``` or ``` ... ``` wrappers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
