package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/risk"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/blacklist"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/profile"
)

// Segmenter kinds.
const (
	SegmenterPunkt     = "punkt"
	SegmenterDelimiter = "delimiter"
)

// Policy is the YAML policy file:
//
//	strength: moderate
//	add: [email, credit_card]
//	remove: [twitter]
//	strategy: mask
//	deterministic: true
//	whitelist: [ACME, {pii: "support@acme.io", ignore_case: true}]
//	blacklist: [{pii: Falcon, type: codename}]
//	gibberish: {threshold: 0.7, word_threshold: 0.85, weights: {noise: 0.9}}
//	injection: {threshold: 0.7}
//	markov: {threshold: 0.045}
//	segmenter: {kind: delimiter, delimiter: "."}
type Policy struct {
	profile.Profile `yaml:",inline"`

	Strategy      sanitize.Strategy         `yaml:"strategy"`
	Deterministic *bool                     `yaml:"deterministic"`
	Whitelist     []sanitize.WhitelistEntry `yaml:"whitelist"`

	Gibberish risk.GibberishConfig `yaml:"gibberish"`
	Injection risk.InjectionConfig `yaml:"injection"`
	Markov    MarkovPolicy         `yaml:"markov"`
	Segmenter SegmenterPolicy      `yaml:"segmenter"`
}

type MarkovPolicy struct {
	Threshold float64 `yaml:"threshold"`
}

type SegmenterPolicy struct {
	Kind      string `yaml:"kind"`
	Delimiter string `yaml:"delimiter"`
}

// DefaultPolicy is strong redaction with deterministic mask tokens.
func DefaultPolicy() Policy {
	det := true
	return Policy{
		Profile:       profile.Profile{Strength: profile.StrengthStrong},
		Strategy:      sanitize.StrategyMask,
		Deterministic: &det,
		Segmenter:     SegmenterPolicy{Kind: SegmenterPunkt},
	}
}

// IsDeterministic reports the deterministic setting, true when unset.
func (p Policy) IsDeterministic() bool { return p.Deterministic == nil || *p.Deterministic }

// SanitizeOptions returns the redaction options of the policy.
func (p Policy) SanitizeOptions() sanitize.Options {
	return sanitize.Options{Strategy: p.Strategy, Deterministic: p.IsDeterministic()}
}

// LoadPolicy reads and validates the policy file at path.
func LoadPolicy(path string) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, guarderr.Config("GUARD_POLICY_FILE", "%v", err)
	}
	defer f.Close()
	return ParsePolicy(f)
}

// ParsePolicy decodes a policy document. Unknown keys are rejected.
func ParsePolicy(r io.Reader) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		var ce *guarderr.ConfigError
		if errors.As(err, &ce) {
			return Policy{}, err
		}
		return Policy{}, guarderr.Config("policy", "decode: %v", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks values that decode fine but cannot be used. Detector
// names are checked by profile.Resolve.
func (p *Policy) Validate() error {
	if p.Strategy == "" {
		p.Strategy = sanitize.StrategyMask
	}
	if !p.Strategy.Valid() {
		return guarderr.Config("strategy", "unsupported value %q", p.Strategy)
	}
	if _, err := profile.Resolve(p.Profile); err != nil {
		return err
	}
	if _, err := sanitize.NewWhitelist(p.Whitelist); err != nil {
		return err
	}
	if len(p.Blacklist) > 0 {
		if _, err := blacklist.New(p.Blacklist); err != nil {
			return err
		}
	}

	if err := probability("gibberish.threshold", p.Gibberish.Threshold); err != nil {
		return err
	}
	if p.Gibberish.WordThreshold > 1 {
		return guarderr.Config("gibberish.word_threshold", "must be at most 1, got %v", p.Gibberish.WordThreshold)
	}
	for l, w := range p.Gibberish.Weights {
		if w < 0 {
			return guarderr.Config(fmt.Sprintf("gibberish.weights[%s]", l), "must be non-negative, got %v", w)
		}
	}
	if err := probability("injection.threshold", p.Injection.Threshold); err != nil {
		return err
	}
	if err := probability("markov.threshold", p.Markov.Threshold); err != nil {
		return err
	}

	p.Segmenter.Kind = strings.ToLower(strings.TrimSpace(p.Segmenter.Kind))
	switch p.Segmenter.Kind {
	case "":
		p.Segmenter.Kind = SegmenterPunkt
	case SegmenterPunkt:
	case SegmenterDelimiter:
		if p.Segmenter.Delimiter == "" {
			return guarderr.Config("segmenter.delimiter", "must be set when segmenter is %q", SegmenterDelimiter)
		}
	default:
		return guarderr.Config("segmenter.kind", "unsupported value %q", p.Segmenter.Kind)
	}
	return nil
}

func probability(key string, v float64) error {
	if v < 0 || v > 1 {
		return guarderr.Config(key, "must be within [0, 1], got %v", v)
	}
	return nil
}
