package sanitize

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// WhitelistEntry is one allowed value. In YAML and JSON it is either a bare
// string (IgnoreCase false) or a {pii, ignore_case} record.
type WhitelistEntry struct {
	PII        string `yaml:"pii" json:"pii"`
	IgnoreCase bool   `yaml:"ignore_case" json:"ignore_case"`
}

// UnmarshalYAML accepts a scalar or a mapping.
func (e *WhitelistEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*e = WhitelistEntry{PII: value.Value}
		return nil
	}
	type plain WhitelistEntry
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*e = WhitelistEntry(p)
	return nil
}

// UnmarshalJSON accepts a string or an object.
func (e *WhitelistEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = WhitelistEntry{PII: s}
		return nil
	}
	type plain WhitelistEntry
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = WhitelistEntry(p)
	return nil
}

type whitelistRule struct {
	original   string
	ignoreCase bool
}

// Whitelist decides whether a detected span may stay in the text.
// It is immutable after construction and safe for concurrent use.
type Whitelist struct {
	rules map[string]whitelistRule // keyed by lower-cased text
}

// NewWhitelist builds a Whitelist. Entries are keyed by their lower-cased
// text; a later entry replaces an earlier one with the same key.
func NewWhitelist(entries []WhitelistEntry) (*Whitelist, error) {
	w := &Whitelist{rules: make(map[string]whitelistRule, len(entries))}
	for i, e := range entries {
		if e.PII == "" {
			return nil, guarderr.Config(fmt.Sprintf("whitelist[%d].pii", i), "must be a non-empty string")
		}
		w.rules[fold(e.PII)] = whitelistRule{original: e.PII, ignoreCase: e.IgnoreCase}
	}
	return w, nil
}

// Allows reports whether text is whitelisted. A nil Whitelist allows nothing.
func (w *Whitelist) Allows(text string) bool {
	if w == nil {
		return false
	}
	r, ok := w.rules[fold(text)]
	if !ok {
		return false
	}
	if r.ignoreCase {
		return true
	}
	return text == r.original
}

// Len returns the number of distinct entries.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.rules)
}

// fold lower-cases s. A Caser is stateful, so one is made per call.
func fold(s string) string {
	return cases.Lower(language.Und).String(s)
}
