package sanitize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// literalDetector reports every occurrence of each literal with its type.
type literalDetector struct {
	name  string
	match map[string]string // literal → type
}

func (d literalDetector) Name() string { return d.name }

func (d literalDetector) Detect(_ context.Context, text string) ([]Span, error) {
	var out []Span
	for lit, typ := range d.match {
		start := 0
		for {
			i := strings.Index(text[start:], lit)
			if i < 0 {
				break
			}
			abs := start + i
			out = append(out, Span{Start: abs, End: abs + len(lit), Type: typ})
			start = abs + len(lit)
		}
	}
	return out, nil
}

type failingDetector struct{ err error }

func (failingDetector) Name() string { return "failing" }

func (d failingDetector) Detect(context.Context, string) ([]Span, error) { return nil, d.err }

func newTestSanitizer(t *testing.T, wl *Whitelist, opts Options, detectors ...Detector) *Sanitizer {
	t.Helper()
	s, err := New(detectors, wl, opts)
	require.NoError(t, err)
	return s
}

var piiDetector = literalDetector{name: "literal", match: map[string]string{
	"firstnamesurname@email.co.uk": "EMAIL",
	"01234567890":                  "PHONE",
}}

func TestResolve_SortAndDropOverlaps(t *testing.T) {
	text := "0123456789abcdef"
	spans := []Span{
		{Start: 4, End: 8, Type: "B", order: 0},
		{Start: 0, End: 3, Type: "A", order: 1},
		{Start: 4, End: 6, Type: "C", order: 2}, // shorter, sorts before B
		{Start: 5, End: 9, Type: "D", order: 0}, // overlaps C
		{Start: 10, End: 12, Type: "E", order: 1},
		{Start: 10, End: 12, Type: "F", order: 0}, // full tie, earlier detector wins
		{Start: 14, End: 20, Type: "G"},            // out of bounds
	}

	kept, dropped := Resolve(text, spans)

	var types []string
	for _, sp := range kept {
		types = append(types, sp.Type)
	}
	assert.Equal(t, []string{"A", "C", "F"}, types)
	assert.Len(t, dropped, 4)

	for i := 1; i < len(kept); i++ {
		assert.Less(t, kept[i-1].Start, kept[i].Start)
		assert.LessOrEqual(t, kept[i-1].End, kept[i].Start)
	}
	assert.Equal(t, "012", kept[0].Text)
}

func TestResolve_AdjacentSpansKept(t *testing.T) {
	kept, dropped := Resolve("abcdef", []Span{{Start: 0, End: 3, Type: "X"}, {Start: 3, End: 6, Type: "Y"}})
	assert.Len(t, kept, 2)
	assert.Empty(t, dropped)
}

func TestResolve_RejectsNonRuneBoundary(t *testing.T) {
	kept, dropped := Resolve("héllo", []Span{{Start: 0, End: 2, Type: "X"}})
	assert.Empty(t, kept)
	assert.Len(t, dropped, 1)
}

func TestWhitelist(t *testing.T) {
	wl, err := NewWhitelist([]WhitelistEntry{
		{PII: "Alice"},
		{PII: "ACME", IgnoreCase: true},
		{PII: "bob", IgnoreCase: true},
		{PII: "Bob"}, // replaces the entry above
	})
	require.NoError(t, err)
	assert.Equal(t, 3, wl.Len())

	tests := []struct {
		text  string
		allow bool
	}{
		{"Alice", true},
		{"alice", false},
		{"ALICE", false},
		{"acme", true},
		{"AcMe", true},
		{"Bob", true},
		{"bob", false},
		{"Carol", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allow, wl.Allows(tt.text), tt.text)
	}

	var nilList *Whitelist
	assert.False(t, nilList.Allows("Alice"))
}

func TestWhitelist_EmptyEntryIsConfigError(t *testing.T) {
	_, err := NewWhitelist([]WhitelistEntry{{PII: "ok"}, {PII: ""}})
	require.Error(t, err)
	assert.ErrorIs(t, err, guarderr.ErrConfiguration)
	assert.Contains(t, err.Error(), "whitelist[1].pii")
}

func TestWhitelistEntry_Decoding(t *testing.T) {
	var fromYAML []WhitelistEntry
	require.NoError(t, yaml.Unmarshal([]byte("- Alice\n- pii: ACME\n  ignore_case: true\n"), &fromYAML))
	assert.Equal(t, []WhitelistEntry{{PII: "Alice"}, {PII: "ACME", IgnoreCase: true}}, fromYAML)

	var fromJSON []WhitelistEntry
	require.NoError(t, json.Unmarshal([]byte(`["Alice", {"pii": "ACME", "ignore_case": true}]`), &fromJSON))
	assert.Equal(t, fromYAML, fromJSON)
}

func TestNew_RejectsUnknownStrategy(t *testing.T) {
	_, err := New(nil, nil, Options{Strategy: "shred"})
	require.Error(t, err)
	assert.ErrorIs(t, err, guarderr.ErrConfiguration)
	assert.Contains(t, err.Error(), "strategy")
}

func TestEngine_DeterministicMask(t *testing.T) {
	s := newTestSanitizer(t, nil, Options{Strategy: StrategyMask, Deterministic: true}, piiDetector)
	eng := s.NewEngine()

	text := "email: firstnamesurname@email.co.uk, phone: 01234567890"
	res, err := eng.DetectAndRedact(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "email: [EMAIL-0], phone: [PHONE-0]", res.Text)
	assert.Equal(t, 2, res.Redacted())

	assert.Equal(t, []PII{
		{Text: "firstnamesurname@email.co.uk", Label: "[EMAIL-0]", Allowed: true},
		{Text: "01234567890", Label: "[PHONE-0]", Allowed: true},
	}, eng.GetPII())

	assert.Equal(t, text, eng.Remask(res.Text))
}

func TestEngine_TokenReuseAndPerTypeIndex(t *testing.T) {
	det := literalDetector{name: "literal", match: map[string]string{
		"a@x.io": "EMAIL",
		"b@x.io": "EMAIL",
		"555":    "PHONE",
	}}
	s := newTestSanitizer(t, nil, Options{Deterministic: true}, det)
	eng := s.NewEngine()

	res, err := eng.DetectAndRedact(context.Background(), "a@x.io b@x.io a@x.io 555")
	require.NoError(t, err)
	assert.Equal(t, "[EMAIL-0] [EMAIL-1] [EMAIL-0] [PHONE-0]", res.Text)

	// Tokens stay stable across calls in the same session.
	res, err = eng.DetectAndRedact(context.Background(), "call 555 or b@x.io")
	require.NoError(t, err)
	assert.Equal(t, "call [PHONE-0] or [EMAIL-1]", res.Text)
	assert.Equal(t, 3, eng.Table().Count())

	// A new engine starts from zero.
	res, err = s.NewEngine().DetectAndRedact(context.Background(), "b@x.io")
	require.NoError(t, err)
	assert.Equal(t, "[EMAIL-0]", res.Text)
}

func TestEngine_WhitelistedSpansKeepTextAndIndex(t *testing.T) {
	det := literalDetector{name: "names", match: map[string]string{"Alice": "NAME", "alice": "NAME", "Bob": "NAME"}}
	wl, err := NewWhitelist([]WhitelistEntry{{PII: "Alice"}})
	require.NoError(t, err)
	s := newTestSanitizer(t, wl, Options{Deterministic: true}, det)
	eng := s.NewEngine()

	res, err := eng.DetectAndRedact(context.Background(), "Alice met alice and Bob")
	require.NoError(t, err)
	assert.Equal(t, "Alice met [NAME-0] and [NAME-1]", res.Text)

	require.Len(t, res.Spans, 3)
	assert.False(t, res.Spans[0].Redacted)
	assert.Empty(t, res.Spans[0].Token)

	pii := eng.GetPII()
	require.Len(t, pii, 2)
	assert.Equal(t, "alice", pii[0].Text)
	assert.Equal(t, "Bob", pii[1].Text)
}

func TestEngine_RemoveStrategy(t *testing.T) {
	s := newTestSanitizer(t, nil, Options{Strategy: StrategyRemove, Deterministic: true}, piiDetector)
	eng := s.NewEngine()

	res, err := eng.DetectAndRedact(context.Background(), "email: firstnamesurname@email.co.uk, phone: 01234567890")
	require.NoError(t, err)
	assert.Equal(t, "email: , phone: ", res.Text)
	assert.Equal(t, "[EMAIL-0]", eng.GetPII()[0].Label)

	// remask is a no-op for the remove strategy
	assert.Equal(t, "[EMAIL-0]", eng.Remask("[EMAIL-0]"))
}

func TestEngine_NonDeterministic(t *testing.T) {
	s := newTestSanitizer(t, nil, Options{Strategy: StrategyMask}, piiDetector)
	eng := s.NewEngine()

	res, err := eng.DetectAndRedact(context.Background(), "firstnamesurname@email.co.uk 01234567890 01234567890")
	require.NoError(t, err)
	assert.Equal(t, "[EMAIL] [PHONE] [PHONE]", res.Text)
	assert.True(t, eng.Table().IsEmpty())
	assert.Equal(t, "[PHONE]", eng.GetPII()[1].Label)
	assert.Equal(t, "[PHONE-0]", eng.Remask("[PHONE-0]"))
}

func TestEngine_RemaskEmbeddedAndUnknownTokens(t *testing.T) {
	s := newTestSanitizer(t, nil, Options{Deterministic: true}, piiDetector)
	eng := s.NewEngine()
	_, err := eng.DetectAndRedact(context.Background(), "email: firstnamesurname@email.co.uk, phone: 01234567890")
	require.NoError(t, err)

	got := eng.Remask("Sure! I'll write to [EMAIL-0] and ring[PHONE-0]now. Also [EMAIL-7] and [email-0].")
	assert.Equal(t, "Sure! I'll write to firstnamesurname@email.co.uk and ring01234567890now. Also [EMAIL-7] and [email-0].", got)
}

func TestEngine_RemaskUnderscoreTypes(t *testing.T) {
	det := literalDetector{name: "cards", match: map[string]string{"4111 1111 1111 1111": "CREDIT_CARD"}}
	s := newTestSanitizer(t, nil, Options{Deterministic: true}, det)
	eng := s.NewEngine()

	res, err := eng.DetectAndRedact(context.Background(), "card 4111 1111 1111 1111")
	require.NoError(t, err)
	assert.Equal(t, "card [CREDIT_CARD-0]", res.Text)
	assert.Equal(t, "card 4111 1111 1111 1111", eng.Remask(res.Text))
}

func TestEngine_DetectorErrorAborts(t *testing.T) {
	boom := errors.New("sidecar down")
	s := newTestSanitizer(t, nil, Options{Deterministic: true}, piiDetector, failingDetector{err: boom})

	res, err := s.NewEngine().DetectAndRedact(context.Background(), "01234567890")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)
}

func TestEngine_RegistrationOrderBreaksTies(t *testing.T) {
	first := literalDetector{name: "first", match: map[string]string{"Jordan": "NAME"}}
	second := literalDetector{name: "second", match: map[string]string{"Jordan": "LOCATION"}}
	s := newTestSanitizer(t, nil, Options{Deterministic: true}, first, second)

	res, err := s.NewEngine().DetectAndRedact(context.Background(), "Jordan")
	require.NoError(t, err)
	assert.Equal(t, "[NAME-0]", res.Text)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "second", res.Dropped[0].Source)
}

func TestSanitizer_With(t *testing.T) {
	base := newTestSanitizer(t, nil, Options{Deterministic: true}, piiDetector)
	wl, err := NewWhitelist([]WhitelistEntry{{PII: "01234567890"}})
	require.NoError(t, err)
	extra := literalDetector{name: "extra", match: map[string]string{"Project X": "CODENAME"}}

	derived := base.With(wl, extra)
	assert.Equal(t, []string{"literal"}, base.DetectorNames())
	assert.Equal(t, []string{"literal", "extra"}, derived.DetectorNames())

	res, err := derived.NewEngine().DetectAndRedact(context.Background(), "Project X 01234567890")
	require.NoError(t, err)
	assert.Equal(t, "[CODENAME-0] 01234567890", res.Text)
}

func TestSanitizer_WithOptions(t *testing.T) {
	base := newTestSanitizer(t, nil, Options{Deterministic: true}, piiDetector)
	text := "call 01234567890 now"

	removed, err := base.WithOptions(Options{Strategy: StrategyRemove, Deterministic: true})
	require.NoError(t, err)
	eng := removed.NewEngine()
	res, err := eng.DetectAndRedact(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "call  now", res.Text)
	assert.False(t, eng.Remasks())

	plain, err := base.WithOptions(Options{Deterministic: false})
	require.NoError(t, err)
	assert.Equal(t, StrategyMask, plain.Options().Strategy)
	eng = plain.NewEngine()
	res, err = eng.DetectAndRedact(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "call [PHONE] now", res.Text)
	assert.Equal(t, "call [PHONE] now", eng.Remask(res.Text))

	assert.Equal(t, Options{Strategy: StrategyMask, Deterministic: true}, base.Options())

	_, err = base.WithOptions(Options{Strategy: "shred"})
	assert.ErrorIs(t, err, guarderr.ErrConfiguration)
}

func TestEngine_RedactMessages(t *testing.T) {
	s := newTestSanitizer(t, nil, Options{Deterministic: true}, piiDetector)
	eng := s.NewEngine()

	body := []byte(`{"model":"m","messages":[` +
		`{"role":"system","content":"be brief"},` +
		`{"role":"user","content":"mail firstnamesurname@email.co.uk"},` +
		`{"role":"user","content":[{"type":"text","text":"or call 01234567890"}]}]}`)

	out, err := eng.RedactMessages(context.Background(), body)
	require.NoError(t, err)

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(out, &req))
	assert.Equal(t, "m", req.Model)
	assert.JSONEq(t, `"be brief"`, string(req.Messages[0].Content))
	assert.JSONEq(t, `"mail [EMAIL-0]"`, string(req.Messages[1].Content))
	assert.JSONEq(t, `[{"type":"text","text":"or call [PHONE-0]"}]`, string(req.Messages[2].Content))

	unchanged, err := eng.RedactMessages(context.Background(), []byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, "not json", string(unchanged))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("jane@corp.example")
	assert.Len(t, a, 16)
	assert.Equal(t, a, Fingerprint("jane@corp.example"))
	assert.NotEqual(t, a, Fingerprint("john@corp.example"))
	assert.NotContains(t, a, "jane")
}
