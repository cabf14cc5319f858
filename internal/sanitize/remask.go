package sanitize

import (
	"fmt"
	"regexp"
)

// maskTokenRe matches deterministic mask tokens such as [EMAIL-0] or
// [CREDIT_CARD-12].
var maskTokenRe = regexp.MustCompile(`\[[A-Z][A-Z0-9_]*-\d+\]`)

type tokenKey struct {
	typ  string
	text string
}

// RemaskTable holds the reversible mapping for one redaction session.
// It is written only while the owning Engine redacts; once redaction is
// done it is safe to read from multiple goroutines.
type RemaskTable struct {
	toToken   map[tokenKey]string // (type, original) → [TYPE-N]
	fromToken map[string]string   // [TYPE-N] → original
	next      map[string]int      // per-type next index
	minted    []string            // tokens in mint order
}

// NewRemaskTable returns an empty table.
func NewRemaskTable() *RemaskTable {
	return &RemaskTable{
		toToken:   make(map[tokenKey]string),
		fromToken: make(map[string]string),
		next:      make(map[string]int),
	}
}

// mint returns the token for (typ, original), allocating the next per-type
// index the first time the pair is seen.
func (t *RemaskTable) mint(typ, original string) string {
	k := tokenKey{typ: typ, text: original}
	if tok, ok := t.toToken[k]; ok {
		return tok
	}
	n := t.next[typ]
	t.next[typ] = n + 1
	tok := fmt.Sprintf("[%s-%d]", typ, n)
	t.toToken[k] = tok
	t.fromToken[tok] = original
	t.minted = append(t.minted, tok)
	return tok
}

// Lookup returns the original text for tok.
func (t *RemaskTable) Lookup(tok string) (string, bool) {
	if t == nil {
		return "", false
	}
	orig, ok := t.fromToken[tok]
	return orig, ok
}

// Remask replaces every known mask token in text with its original value.
// Tokens not in the table, including ones fabricated downstream, are left
// as they are.
func (t *RemaskTable) Remask(text string) string {
	if t.IsEmpty() {
		return text
	}
	return maskTokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		if orig, ok := t.fromToken[tok]; ok {
			return orig
		}
		return tok
	})
}

// IsEmpty reports whether no tokens were minted.
func (t *RemaskTable) IsEmpty() bool {
	return t == nil || len(t.fromToken) == 0
}

// Count returns the number of distinct tokens.
func (t *RemaskTable) Count() int {
	if t == nil {
		return 0
	}
	return len(t.fromToken)
}

// Mapping is one token/original pair.
type Mapping struct {
	Token    string `json:"token"`
	Original string `json:"original"`
}

// Mappings returns all pairs in the order the tokens were minted.
func (t *RemaskTable) Mappings() []Mapping {
	if t == nil {
		return nil
	}
	out := make([]Mapping, 0, len(t.minted))
	for _, tok := range t.minted {
		out = append(out, Mapping{Token: tok, Original: t.fromToken[tok]})
	}
	return out
}
