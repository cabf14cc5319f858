package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// InjectionLabel is the classifier label for prompt injection.
const InjectionLabel = "injection"

// DefaultInjectionThreshold is the probability above which an injection
// label counts.
const DefaultInjectionThreshold = 0.7

// InjectionConfig tunes the injection path.
type InjectionConfig struct {
	Threshold   float64 `yaml:"threshold" json:"threshold,omitempty"`
	Concurrency int     `yaml:"concurrency" json:"concurrency,omitempty"`
}

// InjectionResult is the outcome of one Process call.
type InjectionResult struct {
	Detected bool              `json:"detected"`
	Flagged  []DetectionRecord `json:"flagged"`
	Clean    []Sentence        `json:"clean"`
}

// InjectionAggregator flags sentences whose top label is injection with a
// probability above the threshold.
type InjectionAggregator struct {
	classifier  Classifier
	threshold   float64
	concurrency int
}

func NewInjectionAggregator(classifier Classifier, cfg InjectionConfig) (*InjectionAggregator, error) {
	if classifier == nil {
		return nil, guarderr.Config("injection", "needs a classifier")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultInjectionThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &InjectionAggregator{classifier: classifier, threshold: cfg.Threshold, concurrency: cfg.Concurrency}, nil
}

// Threshold returns the effective threshold.
func (a *InjectionAggregator) Threshold() float64 { return a.threshold }

// Process classifies every sentence and returns a fresh result.
func (a *InjectionAggregator) Process(ctx context.Context, sentences []Sentence) (*InjectionResult, error) {
	dists := make([]ScoreDistribution, len(sentences))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, s := range sentences {
		g.Go(func() error {
			d, err := a.classifier.Classify(gctx, s.Text)
			if err != nil {
				return err
			}
			dists[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("injection: %w", err)
	}

	res := &InjectionResult{Flagged: []DetectionRecord{}, Clean: []Sentence{}}
	for i, s := range sentences {
		d := dists[i]
		p := d[InjectionLabel]
		top := d.Argmax()
		if p > a.threshold && strings.EqualFold(top, InjectionLabel) {
			res.Flagged = append(res.Flagged, DetectionRecord{
				Label:      top,
				Confidence: p,
				Sentence:   s.Text,
				Kind:       KindInjection,
			})
			continue
		}
		res.Clean = append(res.Clean, s)
	}
	res.Detected = len(res.Flagged) > 0

	slog.Debug("injection: processed", "sentences", len(sentences), "flagged", len(res.Flagged))
	return res, nil
}
