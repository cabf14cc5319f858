// Package guard runs the screening pipeline for one piece of user text:
// PII redaction followed by gibberish and injection scoring, ending in an
// accept or reject decision.
package guard

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/metrics"
	"github.com/gonkalabs/gonka-guard/internal/risk"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
)

// State is a step of the screening state machine.
type State string

const (
	StateReceived     State = "RECEIVED"
	StatePIIScreened  State = "PII_SCREENED"
	StateRiskScreened State = "RISK_SCREENED"
	StateAccepted     State = "ACCEPTED"
	StateRejected     State = "REJECTED"
)

// Rejection messages.
const (
	ReasonBoth      = "Cannot process this request as a possible adversarial attack and gibberish has been detected."
	ReasonGibberish = "Cannot process this request as gibberish has been detected."
	ReasonInjection = "Cannot process this request as a possible adversarial attack has been detected."
)

// Reason returns the rejection message for the given flags, or "" when
// neither is set.
func Reason(gibberish, injection bool) string {
	switch {
	case gibberish && injection:
		return ReasonBoth
	case gibberish:
		return ReasonGibberish
	case injection:
		return ReasonInjection
	}
	return ""
}

// Decision is the outcome of Screen.
type Decision struct {
	ID                string                 `json:"id"`
	State             State                  `json:"state"`
	PIIDetected       bool                   `json:"pii_detected"`
	GibberishDetected bool                   `json:"gibberish_detected"`
	InjectionDetected bool                   `json:"injection_detected"`
	RedactedText      string                 `json:"redacted_text"`
	Reason            string                 `json:"reason,omitempty"`
	Evidence          []risk.DetectionRecord `json:"evidence"`
	PII               []sanitize.PII         `json:"pii"`
	GibberishWords    []string               `json:"gibberish_words,omitempty"`
}

// Accepted reports whether the text may be forwarded.
func (d *Decision) Accepted() bool { return d.State == StateAccepted }

// RiskReport is the outcome of ScreenRisk.
type RiskReport struct {
	Gibberish bool
	Injection bool
	Evidence  []risk.DetectionRecord
	Words     []string
}

// Session ties a decision to the redaction engine that produced it, so
// model output can later be remasked.
type Session struct {
	ID       string
	engine   *sanitize.Engine
	decision *Decision
}

// Decision returns the session's decision, or nil for a session created by
// DetectAndRedact alone.
func (s *Session) Decision() *Decision { return s.decision }

// Engine returns the session's redaction engine.
func (s *Session) Engine() *sanitize.Engine { return s.engine }

// Remask restores original values for the session's tokens in text.
func (s *Session) Remask(text string) string { return s.engine.Remask(text) }

// Config wires an Orchestrator. Gibberish and Injection may be nil to
// disable that path.
type Config struct {
	Sanitizer      *sanitize.Sanitizer
	Segmenter      risk.Segmenter
	Gibberish      *risk.GibberishAggregator
	Injection      *risk.InjectionAggregator
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// Orchestrator is shared by all requests; every call works on fresh state.
type Orchestrator struct {
	san       *sanitize.Sanitizer
	segmenter risk.Segmenter
	gibberish *risk.GibberishAggregator
	injection *risk.InjectionAggregator
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Sanitizer == nil {
		return nil, guarderr.Config("sanitizer", "required")
	}
	if cfg.Segmenter == nil && (cfg.Gibberish != nil || cfg.Injection != nil) {
		return nil, guarderr.Config("segmenter", "required when a risk path is enabled")
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Orchestrator{
		san:       cfg.Sanitizer,
		segmenter: cfg.Segmenter,
		gibberish: cfg.Gibberish,
		injection: cfg.Injection,
		metrics:   cfg.Metrics,
		tracer:    tp.Tracer("gonka-guard/guard"),
	}, nil
}

// WithSanitizer returns a copy of o that redacts with s. Used for
// per-request whitelists and blacklists.
func (o *Orchestrator) WithSanitizer(s *sanitize.Sanitizer) *Orchestrator {
	cp := *o
	cp.san = s
	return &cp
}

// Sanitizer returns the sanitizer in use.
func (o *Orchestrator) Sanitizer() *sanitize.Sanitizer { return o.san }

func validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return guarderr.Validation("query is empty")
	}
	return nil
}

// DetectAndRedact redacts text in a new session.
func (o *Orchestrator) DetectAndRedact(ctx context.Context, text string) (*Session, *sanitize.Result, error) {
	if err := validate(text); err != nil {
		return nil, nil, err
	}
	sess := &Session{ID: uuid.NewString(), engine: o.san.NewEngine()}
	res, err := o.redact(ctx, sess.engine, text)
	if err != nil {
		return nil, nil, err
	}
	return sess, res, nil
}

func (o *Orchestrator) redact(ctx context.Context, eng *sanitize.Engine, text string) (*sanitize.Result, error) {
	ctx, span := o.tracer.Start(ctx, "guard.pii")
	defer span.End()
	start := time.Now()
	defer o.metrics.Stage("pii", start)

	res, err := eng.DetectAndRedact(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pii screening failed")
		return nil, err
	}
	for _, sp := range res.Spans {
		if sp.Redacted {
			o.metrics.Redacted(sp.Type)
		}
	}
	span.SetAttributes(
		attribute.Int("guard.pii.redacted", res.Redacted()),
		attribute.Int("guard.pii.dropped", len(res.Dropped)),
	)
	return res, nil
}

// ScreenRisk segments text and runs the enabled risk paths.
func (o *Orchestrator) ScreenRisk(ctx context.Context, text string) (*RiskReport, error) {
	if err := validate(text); err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "guard.risk")
	defer span.End()
	start := time.Now()
	defer o.metrics.Stage("risk", start)

	rep := &RiskReport{Evidence: []risk.DetectionRecord{}}
	if o.gibberish == nil && o.injection == nil {
		return rep, nil
	}
	sentences := o.segmenter.Segment(text)
	span.SetAttributes(attribute.Int("guard.risk.sentences", len(sentences)))

	if o.gibberish != nil {
		g, err := o.gibberish.Process(ctx, sentences)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "gibberish scoring failed")
			return nil, err
		}
		rep.Gibberish = g.Detected
		rep.Evidence = append(rep.Evidence, g.Flagged...)
		rep.Words = g.Words
		o.metrics.Flagged(string(risk.KindGibberish), len(g.Flagged))
	}
	if o.injection != nil {
		in, err := o.injection.Process(ctx, sentences)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "injection scoring failed")
			return nil, err
		}
		rep.Injection = in.Detected
		rep.Evidence = append(rep.Evidence, in.Flagged...)
		o.metrics.Flagged(string(risk.KindInjection), len(in.Flagged))
	}
	span.SetAttributes(
		attribute.Bool("guard.risk.gibberish", rep.Gibberish),
		attribute.Bool("guard.risk.injection", rep.Injection),
	)
	return rep, nil
}

// Screen runs the full pipeline. The returned session carries the decision
// and, on acceptance, the remask table for the model's answer.
func (o *Orchestrator) Screen(ctx context.Context, text string) (*Session, error) {
	if err := validate(text); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "guard.screen", trace.WithAttributes(attribute.String("guard.session", id)))
	defer span.End()

	d := &Decision{ID: id, State: StateReceived}
	sess := &Session{ID: id, engine: o.san.NewEngine(), decision: d}

	res, err := o.redact(ctx, sess.engine, text)
	if err != nil {
		o.metrics.Decision("ERROR")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	d.State = StatePIIScreened
	d.RedactedText = res.Text
	d.PII = sess.engine.GetPII()
	d.PIIDetected = len(d.PII) > 0
	for _, p := range d.PII {
		slog.Debug("guard: redacted", "session", id, "label", p.Label, "fingerprint", sanitize.Fingerprint(p.Text))
	}

	rep, err := o.ScreenRisk(ctx, text)
	if err != nil {
		o.metrics.Decision("ERROR")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	d.State = StateRiskScreened
	d.GibberishDetected = rep.Gibberish
	d.InjectionDetected = rep.Injection
	d.Evidence = rep.Evidence
	d.GibberishWords = rep.Words

	if d.Reason = Reason(rep.Gibberish, rep.Injection); d.Reason != "" {
		d.State = StateRejected
	} else {
		d.State = StateAccepted
	}

	span.SetAttributes(attribute.String("guard.state", string(d.State)))
	o.metrics.Decision(string(d.State))
	slog.Info("guard: decision",
		"session", id,
		"state", d.State,
		"pii", len(d.PII),
		"gibberish", d.GibberishDetected,
		"injection", d.InjectionDetected,
	)
	return sess, nil
}
