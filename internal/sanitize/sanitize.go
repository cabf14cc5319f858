// Package sanitize detects PII in text, redacts it with mask tokens and
// restores the originals in text that comes back from a model.
//
// A Sanitizer is built once at startup from the configured detectors,
// whitelist and options. Each request gets its own Engine, which owns the
// RemaskTable for that request:
//
//	eng := san.NewEngine()
//	res, err := eng.DetectAndRedact(ctx, text)
//	// send res.Text to the model
//	restored := eng.Remask(modelOutput)
package sanitize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// Options control how redacted spans are rendered.
type Options struct {
	Strategy      Strategy
	Deterministic bool // [TYPE-N] tokens that can be remasked; otherwise [TYPE]
}

// Sanitizer is the process-wide, read-only redaction configuration.
type Sanitizer struct {
	detectors []Detector
	whitelist *Whitelist
	opts      Options
}

// New returns a Sanitizer. Detectors run in the given order of registration,
// which is the final tie-break when two spans cover the same range.
func New(detectors []Detector, whitelist *Whitelist, opts Options) (*Sanitizer, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyMask
	}
	if !opts.Strategy.Valid() {
		return nil, guarderr.Config("strategy", "unsupported value %q", opts.Strategy)
	}
	return &Sanitizer{detectors: detectors, whitelist: whitelist, opts: opts}, nil
}

// With returns a copy of s using whitelist (when non-nil) and extra detectors
// appended after the configured ones. Used for per-request lists.
func (s *Sanitizer) With(whitelist *Whitelist, extra ...Detector) *Sanitizer {
	cp := *s
	if whitelist != nil {
		cp.whitelist = whitelist
	}
	if len(extra) > 0 {
		cp.detectors = append(append([]Detector(nil), s.detectors...), extra...)
	}
	return &cp
}

// WithOptions returns a copy of s rendering spans with opts. An empty
// strategy keeps the current one; an unknown strategy is a configuration
// error.
func (s *Sanitizer) WithOptions(opts Options) (*Sanitizer, error) {
	if opts.Strategy == "" {
		opts.Strategy = s.opts.Strategy
	}
	if !opts.Strategy.Valid() {
		return nil, guarderr.Config("strategy", "unsupported value %q", opts.Strategy)
	}
	cp := *s
	cp.opts = opts
	return &cp, nil
}

// Options returns the configured options.
func (s *Sanitizer) Options() Options { return s.opts }

// DetectorNames lists detectors in registration order.
func (s *Sanitizer) DetectorNames() []string {
	names := make([]string, len(s.detectors))
	for i, d := range s.detectors {
		names[i] = d.Name()
	}
	return names
}

// NewEngine returns an Engine with a fresh RemaskTable.
func (s *Sanitizer) NewEngine() *Engine {
	return &Engine{cfg: s, table: NewRemaskTable()}
}

// ResolvedSpan is a span after resolution with its redaction decision.
type ResolvedSpan struct {
	Span
	Redacted bool   `json:"redacted"`
	Token    string `json:"token,omitempty"` // empty when allowed or removed
}

// Result is the outcome of one DetectAndRedact call.
type Result struct {
	Text    string
	Spans   []ResolvedSpan // non-overlapping, ordered by Start
	Dropped []Span         // overlapping or invalid candidates
}

// Redacted returns the number of spans that were redacted.
func (r *Result) Redacted() int {
	n := 0
	for _, sp := range r.Spans {
		if sp.Redacted {
			n++
		}
	}
	return n
}

// PII is one audit entry: the original text, the label it was replaced with
// and the allowed flag, which is always true.
type PII struct {
	Text    string `json:"text"`
	Label   string `json:"label"`
	Allowed bool   `json:"allowed"`
}

// Engine redacts text for a single session. Not safe for concurrent
// DetectAndRedact calls; Remask may be called concurrently once redaction
// is finished.
type Engine struct {
	cfg      *Sanitizer
	table    *RemaskTable
	redacted []PII
}

// Table returns the session's remask table.
func (e *Engine) Table() *RemaskTable { return e.table }

// DetectAndRedact runs all detectors over text, resolves overlaps, applies
// the whitelist and splices mask tokens in. A detector error aborts the call.
func (e *Engine) DetectAndRedact(ctx context.Context, text string) (*Result, error) {
	candidates, err := e.cfg.detect(ctx, text)
	if err != nil {
		return nil, err
	}
	kept, dropped := Resolve(text, candidates)

	res := &Result{Spans: make([]ResolvedSpan, 0, len(kept)), Dropped: dropped}
	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, sp := range kept {
		rs := ResolvedSpan{Span: sp}
		if e.cfg.whitelist.Allows(sp.Text) {
			res.Spans = append(res.Spans, rs)
			continue
		}
		rs.Redacted = true
		b.WriteString(text[cursor:sp.Start])
		if tok := e.render(sp); tok != "" {
			rs.Token = tok
			b.WriteString(tok)
		}
		cursor = sp.End
		res.Spans = append(res.Spans, rs)
		e.redacted = append(e.redacted, PII{Text: sp.Text, Label: e.label(sp), Allowed: true})
		slog.Debug("sanitize: redacted", "type", sp.Type, "source", sp.Source, "token", rs.Token)
	}
	b.WriteString(text[cursor:])
	res.Text = b.String()
	return res, nil
}

// render returns the replacement for sp, minting a token when deterministic.
func (e *Engine) render(sp Span) string {
	if e.cfg.opts.Strategy == StrategyRemove {
		return ""
	}
	if e.cfg.opts.Deterministic {
		return e.table.mint(sp.Type, sp.Text)
	}
	return "[" + sp.Type + "]"
}

// label is the audit label for sp; for the remove strategy it is still the
// token the span would have been masked with.
func (e *Engine) label(sp Span) string {
	if e.cfg.opts.Deterministic {
		if tok, ok := e.table.toToken[tokenKey{typ: sp.Type, text: sp.Text}]; ok {
			return tok
		}
		if e.cfg.opts.Strategy == StrategyRemove {
			return e.table.mint(sp.Type, sp.Text)
		}
	}
	return "[" + sp.Type + "]"
}

// Remasks reports whether Remask can restore anything for this session.
func (e *Engine) Remasks() bool {
	return e.cfg.opts.Strategy != StrategyRemove && e.cfg.opts.Deterministic && !e.table.IsEmpty()
}

// Remask restores original values for every known token in text. It does
// nothing for the remove strategy or when tokens are not deterministic.
func (e *Engine) Remask(text string) string {
	if !e.Remasks() {
		return text
	}
	return e.table.Remask(text)
}

// GetPII returns one entry per redacted span, in redaction order.
// Whitelisted spans never appear.
func (e *Engine) GetPII() []PII {
	return append([]PII(nil), e.redacted...)
}

// detect runs every detector concurrently and tags spans with the detector's
// registration index. The first error cancels the others.
func (s *Sanitizer) detect(ctx context.Context, text string) ([]Span, error) {
	if len(s.detectors) == 0 {
		return nil, nil
	}
	results := make([][]Span, len(s.detectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range s.detectors {
		g.Go(func() error {
			spans, err := d.Detect(gctx, text)
			if err != nil {
				return fmt.Errorf("sanitize: detector %s: %w", d.Name(), err)
			}
			for j := range spans {
				spans[j].order = i
				if spans[j].Source == "" {
					spans[j].Source = d.Name()
				}
			}
			results[i] = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []Span
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// RedactMessages parses an OpenAI-format chat body and redacts the content of
// every message, string or multi-part, through this engine's session.
// Bodies that are not chat requests are returned unchanged.
func (e *Engine) RedactMessages(ctx context.Context, body []byte) ([]byte, error) {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return body, nil
	}
	messagesRaw, ok := req["messages"]
	if !ok {
		return body, nil
	}
	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(messagesRaw, &messages); err != nil {
		return body, nil
	}

	redact := func(s string) (string, error) {
		res, err := e.DetectAndRedact(ctx, s)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}

	changed := false
	for i, msg := range messages {
		contentRaw, ok := msg["content"]
		if !ok {
			continue
		}

		var strContent string
		if err := json.Unmarshal(contentRaw, &strContent); err == nil {
			redacted, err := redact(strContent)
			if err != nil {
				return nil, err
			}
			if redacted != strContent {
				b, _ := json.Marshal(redacted)
				messages[i]["content"] = b
				changed = true
			}
			continue
		}

		// Array content (vision / multi-modal messages).
		var parts []map[string]json.RawMessage
		if err := json.Unmarshal(contentRaw, &parts); err != nil {
			continue
		}
		partsChanged := false
		for j, part := range parts {
			textRaw, ok := part["text"]
			if !ok {
				continue
			}
			var text string
			if err := json.Unmarshal(textRaw, &text); err != nil {
				continue
			}
			redacted, err := redact(text)
			if err != nil {
				return nil, err
			}
			if redacted != text {
				b, _ := json.Marshal(redacted)
				parts[j]["text"] = b
				partsChanged = true
			}
		}
		if partsChanged {
			b, _ := json.Marshal(parts)
			messages[i]["content"] = b
			changed = true
		}
	}

	if !changed {
		return body, nil
	}
	b, _ := json.Marshal(messages)
	req["messages"] = b
	out, err := json.Marshal(req)
	if err != nil {
		return body, nil
	}
	return out, nil
}
