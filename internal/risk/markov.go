package risk

import (
	"math"
	"unicode"
)

// DefaultMarkovThreshold is the average transition probability below which
// a sentence is implausible.
const DefaultMarkovThreshold = 0.045

// MarkovScorer rates how plausible a sentence is under a TransitionModel.
type MarkovScorer struct {
	model     *TransitionModel
	threshold float64
}

// NewMarkovScorer returns a scorer; threshold <= 0 selects the default.
func NewMarkovScorer(model *TransitionModel, threshold float64) *MarkovScorer {
	if threshold <= 0 {
		threshold = DefaultMarkovThreshold
	}
	return &MarkovScorer{model: model, threshold: threshold}
}

// Threshold returns τ.
func (s *MarkovScorer) Threshold() float64 { return s.threshold }

// Probability returns exp(mean log P) over the sentence's character
// trigrams after lower-casing and dropping characters outside the alphabet.
// With fewer than three accepted characters there are no trigrams and the
// result is exp(0) = 1.
func (s *MarkovScorer) Probability(sentence string) float64 {
	filtered := make([]rune, 0, len(sentence))
	for _, r := range sentence {
		r = unicode.ToLower(r)
		if s.model.Accepts(r) {
			filtered = append(filtered, r)
		}
	}

	var logSum float64
	count := 0
	for i := 0; i+2 < len(filtered); i++ {
		logSum += s.model.logProb(filtered[i], filtered[i+1], filtered[i+2])
		count++
	}
	if count == 0 {
		count = 1
	}
	return math.Exp(logSum / float64(count))
}

// Implausible reports Probability(sentence) < threshold.
func (s *MarkovScorer) Implausible(sentence string) bool {
	return s.Probability(sentence) < s.threshold
}
