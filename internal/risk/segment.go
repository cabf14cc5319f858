package risk

import (
	"strings"
	"sync"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// Sentence is a sentence with byte offsets into the source text.
type Sentence struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Segmenter splits text into ordered sentences. It must be deterministic.
type Segmenter interface {
	Segment(text string) []Sentence
}

// PunktSegmenter splits English text with the punkt sentence tokenizer.
type PunktSegmenter struct {
	mu        sync.Mutex
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewPunktSegmenter loads the bundled English punkt model.
func NewPunktSegmenter() (*PunktSegmenter, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, guarderr.Config("segmenter", "load punkt model: %v", err)
	}
	return &PunktSegmenter{tokenizer: tok}, nil
}

// Segment implements Segmenter. Sentences are trimmed; offsets point at the
// trimmed text in the source.
func (s *PunktSegmenter) Segment(text string) []Sentence {
	s.mu.Lock()
	toks := s.tokenizer.Tokenize(text)
	s.mu.Unlock()

	out := make([]Sentence, 0, len(toks))
	cursor := 0
	for _, t := range toks {
		trimmed := strings.TrimSpace(t.Text)
		if trimmed == "" {
			continue
		}
		idx := strings.Index(text[cursor:], trimmed)
		if idx < 0 {
			// Tokenizer normalised the text; keep it without offsets.
			out = append(out, Sentence{Text: trimmed, Start: -1, End: -1})
			continue
		}
		start := cursor + idx
		end := start + len(trimmed)
		out = append(out, Sentence{Text: trimmed, Start: start, End: end})
		cursor = end
	}
	return out
}

// DelimiterSegmenter splits on a fixed delimiter and re-appends the
// delimiter to every piece. Whitespace-only pieces are dropped.
type DelimiterSegmenter struct {
	delimiter string
}

// NewDelimiterSegmenter rejects an empty delimiter.
func NewDelimiterSegmenter(delimiter string) (*DelimiterSegmenter, error) {
	if delimiter == "" {
		return nil, guarderr.Config("segmenter.delimiter", "must be set when segmenter is \"delimiter\"")
	}
	return &DelimiterSegmenter{delimiter: delimiter}, nil
}

// Segment implements Segmenter. Offsets cover the piece and, when present
// in the source, its delimiter.
func (s *DelimiterSegmenter) Segment(text string) []Sentence {
	var out []Sentence
	start := 0
	for _, piece := range strings.Split(text, s.delimiter) {
		end := start + len(piece)
		if strings.TrimSpace(piece) != "" {
			spanEnd := min(end+len(s.delimiter), len(text))
			out = append(out, Sentence{Text: piece + s.delimiter, Start: start, End: spanEnd})
		}
		start = end + len(s.delimiter)
	}
	return out
}
