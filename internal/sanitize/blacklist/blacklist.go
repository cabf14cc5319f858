// Package blacklist provides a Detector for user-supplied literal PII values,
// such as project code names or customer identifiers the other detectors
// cannot know about.
package blacklist

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
)

// Entry is one blacklisted value. Type becomes the mask type (upper-cased).
type Entry struct {
	PII        string `yaml:"pii" json:"pii"`
	Type       string `yaml:"type" json:"type"`
	IgnoreCase bool   `yaml:"ignore_case" json:"ignore_case"`
}

// typeRe is the mask type shape Remask can restore.
var typeRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

type rule struct {
	re  *regexp.Regexp
	typ string
}

// Detector reports every literal occurrence of each entry.
type Detector struct {
	rules []rule
}

// New validates entries and compiles one literal matcher per entry.
// An entry without pii or type is a configuration error.
func New(entries []Entry) (*Detector, error) {
	d := &Detector{rules: make([]rule, 0, len(entries))}
	for i, e := range entries {
		if strings.TrimSpace(e.PII) == "" {
			return nil, guarderr.Config(fmt.Sprintf("blacklist[%d].pii", i), "must be a non-empty string")
		}
		typ := strings.ToUpper(strings.TrimSpace(e.Type))
		if typ == "" {
			return nil, guarderr.Config(fmt.Sprintf("blacklist[%d].type", i), "must be a non-empty string")
		}
		typ = strings.NewReplacer(" ", "_", "-", "_").Replace(typ)
		if !typeRe.MatchString(typ) {
			return nil, guarderr.Config(fmt.Sprintf("blacklist[%d].type", i), "%q must be ASCII letters, digits and underscores, starting with a letter", e.Type)
		}
		expr := regexp.QuoteMeta(e.PII)
		if e.IgnoreCase {
			expr = "(?i)" + expr
		}
		d.rules = append(d.rules, rule{re: regexp.MustCompile(expr), typ: typ})
	}
	return d, nil
}

// Name implements sanitize.Detector.
func (d *Detector) Name() string { return "blacklist" }

// Len returns the number of entries.
func (d *Detector) Len() int { return len(d.rules) }

// Detect implements sanitize.Detector.
func (d *Detector) Detect(_ context.Context, text string) ([]sanitize.Span, error) {
	var spans []sanitize.Span
	for _, r := range d.rules {
		for _, m := range r.re.FindAllStringIndex(text, -1) {
			spans = append(spans, sanitize.Span{
				Start:  m[0],
				End:    m[1],
				Text:   text[m[0]:m[1]],
				Type:   r.typ,
				Source: d.Name(),
			})
		}
	}
	return spans, nil
}
