package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// Kind names the risk path that produced a DetectionRecord.
type Kind string

const (
	KindGibberish Kind = "gibberish"
	KindInjection Kind = "injection"
)

// MarkovLabel is the record label used when only the Markov scorer flagged a
// sentence and the classifier returned no labels.
const MarkovLabel = "markov"

// DetectionRecord is the evidence for one flagged sentence.
type DetectionRecord struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Sentence   string  `json:"sentence"`
	Kind       Kind    `json:"kind"`
}

// WeightTable maps a classifier label to its gibberish weight.
type WeightTable map[string]float64

// DefaultGibberishWeights returns the stock label weights.
func DefaultGibberishWeights() WeightTable {
	return WeightTable{
		"clean":          0,
		"mild gibberish": 0.1,
		"noise":          0.9,
		"word salad":     1,
	}
}

// Score returns Σ weight[l]·p[l] over labels present in both.
func (w WeightTable) Score(d ScoreDistribution) float64 {
	var s float64
	for l, p := range d {
		if wt, ok := w[l]; ok {
			s += wt * p
		}
	}
	return s
}

// GibberishConfig tunes the gibberish path. Zero values select defaults,
// except WordThreshold where a negative value disables word scoring.
// Weights are merged over DefaultGibberishWeights; set a label to 0 to
// take it out of the weighted score.
type GibberishConfig struct {
	Weights       WeightTable `yaml:"weights" json:"weights,omitempty"`
	Threshold     float64     `yaml:"threshold" json:"threshold,omitempty"`
	WordThreshold float64     `yaml:"word_threshold" json:"word_threshold,omitempty"`
	// Concurrency caps in-flight classifier calls; 0 means 4.
	Concurrency int `yaml:"concurrency" json:"concurrency,omitempty"`
}

const (
	DefaultGibberishThreshold = 0.7
	DefaultWordThreshold      = 0.85
	defaultConcurrency        = 4
)

func (c GibberishConfig) withDefaults() GibberishConfig {
	merged := DefaultGibberishWeights()
	for l, w := range c.Weights {
		merged[strings.ToLower(l)] = w
	}
	c.Weights = merged
	if c.Threshold <= 0 {
		c.Threshold = DefaultGibberishThreshold
	}
	if c.WordThreshold == 0 {
		c.WordThreshold = DefaultWordThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// GibberishResult is the outcome of one Process call.
type GibberishResult struct {
	Detected bool              `json:"detected"`
	Flagged  []DetectionRecord `json:"flagged"`
	Clean    []Sentence        `json:"clean"`
	Words    []string          `json:"words,omitempty"`
}

// GibberishAggregator flags sentences that the classifier weights above the
// threshold or that the Markov scorer finds implausible.
type GibberishAggregator struct {
	classifier Classifier
	markov     *MarkovScorer
	cfg        GibberishConfig
}

// NewGibberishAggregator needs at least one of classifier and markov.
func NewGibberishAggregator(classifier Classifier, markov *MarkovScorer, cfg GibberishConfig) (*GibberishAggregator, error) {
	if classifier == nil && markov == nil {
		return nil, guarderr.Config("gibberish", "needs a classifier or a markov model")
	}
	for l, w := range cfg.Weights {
		if w < 0 {
			return nil, guarderr.Config(fmt.Sprintf("gibberish.weights[%s]", l), "must be non-negative, got %v", w)
		}
	}
	return &GibberishAggregator{classifier: classifier, markov: markov, cfg: cfg.withDefaults()}, nil
}

// Config returns the effective configuration.
func (a *GibberishAggregator) Config() GibberishConfig { return a.cfg }

type sentenceScore struct {
	dist     ScoreDistribution
	weighted float64
	flagged  bool
}

// Process scores every sentence and returns a fresh result.
func (a *GibberishAggregator) Process(ctx context.Context, sentences []Sentence) (*GibberishResult, error) {
	scores := make([]sentenceScore, len(sentences))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, s := range sentences {
		g.Go(func() error {
			sc, err := a.score(gctx, s.Text)
			if err != nil {
				return err
			}
			scores[i] = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("gibberish: %w", err)
	}

	res := &GibberishResult{Flagged: []DetectionRecord{}, Clean: []Sentence{}}
	var flaggedText []string
	for i, s := range sentences {
		sc := scores[i]
		if !sc.flagged {
			res.Clean = append(res.Clean, s)
			continue
		}
		label := sc.dist.Argmax()
		if label == "" {
			label = MarkovLabel
		}
		res.Flagged = append(res.Flagged, DetectionRecord{
			Label:      label,
			Confidence: sc.weighted,
			Sentence:   s.Text,
			Kind:       KindGibberish,
		})
		flaggedText = append(flaggedText, s.Text)
	}
	res.Detected = len(res.Flagged) > 0

	if res.Detected && a.cfg.WordThreshold > 0 && a.classifier != nil {
		words, err := a.words(ctx, flaggedText)
		if err != nil {
			return nil, fmt.Errorf("gibberish: words: %w", err)
		}
		res.Words = words
	}

	slog.Debug("gibberish: processed", "sentences", len(sentences), "flagged", len(res.Flagged))
	return res, nil
}

func (a *GibberishAggregator) score(ctx context.Context, text string) (sentenceScore, error) {
	var sc sentenceScore
	if a.classifier != nil {
		d, err := a.classifier.Classify(ctx, text)
		if err != nil {
			return sc, err
		}
		sc.dist = d
		sc.weighted = a.cfg.Weights.Score(d)
		sc.flagged = sc.weighted > a.cfg.Threshold
	}
	if !sc.flagged && a.markov != nil && a.markov.Implausible(text) {
		sc.flagged = true
	}
	return sc, nil
}

func (a *GibberishAggregator) words(ctx context.Context, sentences []string) ([]string, error) {
	var all []string
	for _, s := range sentences {
		all = append(all, strings.Fields(s)...)
	}
	keep := make([]bool, len(all))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, w := range all {
		g.Go(func() error {
			d, err := a.classifier.Classify(gctx, w)
			if err != nil {
				return err
			}
			keep[i] = a.cfg.Weights.Score(d) > a.cfg.WordThreshold
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for i, w := range all {
		if keep[i] {
			out = append(out, w)
		}
	}
	return out, nil
}
