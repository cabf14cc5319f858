package sanitize

import "context"

// Span describes a candidate PII region produced by a Detector.
// Offsets are half-open UTF-8 byte offsets into the original text.
type Span struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Text   string `json:"-"`      // text[Start:End], filled in by Resolve if empty
	Type   string `json:"type"`   // upper-case type used in mask tokens, e.g. "EMAIL", "NAME"
	Source string `json:"source"` // name of the detector that produced it

	order int // detector registration index, last tie-break in Resolve
}

// Detector finds candidate PII spans in a text.
// Implementations must be safe for concurrent use.
type Detector interface {
	Name() string
	Detect(ctx context.Context, text string) ([]Span, error)
}

// Strategy selects what replaces a redacted span.
type Strategy string

const (
	StrategyMask   Strategy = "mask"   // emit a mask token
	StrategyRemove Strategy = "remove" // emit nothing
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyMask || s == StrategyRemove
}
