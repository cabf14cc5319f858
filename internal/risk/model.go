// Package risk scores sentences for gibberish and prompt-injection risk.
//
// Gibberish combines a character-trigram Markov model with an external
// classifier ensemble; injection relies on the ensemble alone. Aggregators
// return a fresh result per call and hold no per-request state, so one
// aggregator serves every request.
package risk

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// TransitionModel is a pretrained table of log P(c | a, b) over an ordered
// alphabet. It is read-only after construction and safe to share.
type TransitionModel struct {
	alphabet []rune
	pos      map[rune]int
	mat      [][][]float64
}

// NewTransitionModel validates that mat is len(alphabet) on every axis and
// that the alphabet has no duplicates.
func NewTransitionModel(alphabet []rune, mat [][][]float64) (*TransitionModel, error) {
	n := len(alphabet)
	if n == 0 {
		return nil, guarderr.Config("markov_characters", "alphabet is empty")
	}
	pos := make(map[rune]int, n)
	for i, r := range alphabet {
		if _, dup := pos[r]; dup {
			return nil, guarderr.Config("markov_characters", "duplicate character %q", r)
		}
		pos[r] = i
	}
	if len(mat) != n {
		return nil, guarderr.Config("mat", "first dimension is %d, alphabet has %d characters", len(mat), n)
	}
	for i := range mat {
		if len(mat[i]) != n {
			return nil, guarderr.Config(fmt.Sprintf("mat[%d]", i), "has %d rows, want %d", len(mat[i]), n)
		}
		for j := range mat[i] {
			if len(mat[i][j]) != n {
				return nil, guarderr.Config(fmt.Sprintf("mat[%d][%d]", i, j), "has %d entries, want %d", len(mat[i][j]), n)
			}
		}
	}
	return &TransitionModel{alphabet: append([]rune(nil), alphabet...), pos: pos, mat: mat}, nil
}

// Size returns the alphabet length.
func (m *TransitionModel) Size() int { return len(m.alphabet) }

// Accepts reports whether r is in the alphabet.
func (m *TransitionModel) Accepts(r rune) bool {
	_, ok := m.pos[r]
	return ok
}

// logProb returns log P(c | a, b); all three must be accepted.
func (m *TransitionModel) logProb(a, b, c rune) float64 {
	return m.mat[m.pos[a]][m.pos[b]][m.pos[c]]
}

// ParseAlphabet reads the markov_characters key; it may be a string or a
// list of one-character strings.
func ParseAlphabet(r io.Reader) ([]rune, error) {
	var doc struct {
		Characters yaml.Node `yaml:"markov_characters"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, guarderr.Config("markov_characters", "decode: %v", err)
	}
	switch doc.Characters.Kind {
	case yaml.ScalarNode:
		return []rune(doc.Characters.Value), nil
	case yaml.SequenceNode:
		out := make([]rune, 0, len(doc.Characters.Content))
		for i, n := range doc.Characters.Content {
			if utf8.RuneCountInString(n.Value) != 1 {
				return nil, guarderr.Config(fmt.Sprintf("markov_characters[%d]", i), "must be a single character, got %q", n.Value)
			}
			r, _ := utf8.DecodeRuneInString(n.Value)
			out = append(out, r)
		}
		return out, nil
	default:
		return nil, guarderr.Config("markov_characters", "missing or not a string/list")
	}
}

// ParseMatrix reads a JSON document of the form {"mat": [[[...]]]}.
func ParseMatrix(r io.Reader) ([][][]float64, error) {
	var doc struct {
		Mat [][][]float64 `json:"mat"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, guarderr.Config("mat", "decode: %v", err)
	}
	return doc.Mat, nil
}

// LoadTransitionModel reads the alphabet YAML and matrix JSON files.
func LoadTransitionModel(alphabetPath, matrixPath string) (*TransitionModel, error) {
	af, err := os.Open(alphabetPath)
	if err != nil {
		return nil, guarderr.Config("GUARD_MARKOV_ALPHABET", "%v", err)
	}
	defer af.Close()
	alphabet, err := ParseAlphabet(af)
	if err != nil {
		return nil, err
	}

	mf, err := os.Open(matrixPath)
	if err != nil {
		return nil, guarderr.Config("GUARD_MARKOV_MATRIX", "%v", err)
	}
	defer mf.Close()
	mat, err := ParseMatrix(mf)
	if err != nil {
		return nil, err
	}
	return NewTransitionModel(alphabet, mat)
}
