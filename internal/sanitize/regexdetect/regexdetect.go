// Package regexdetect provides rule-based detectors for structured PII
// (emails, phone numbers, postcodes, URLs, handles, credentials, card and
// national insurance numbers). Each detector is registered under a closed
// capability tag; asking for any other tag is a configuration error.
package regexdetect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
)

// Tag names one built-in detector.
type Tag string

const (
	Credential              Tag = "credential"
	Email                   Tag = "email"
	Phone                   Tag = "phone"
	PostalCode              Tag = "postalcode"
	Twitter                 Tag = "twitter"
	URL                     Tag = "url"
	CreditCard              Tag = "credit_card"
	NationalInsuranceNumber Tag = "national_insurance_number"
)

// pattern is one regex for a detector. group selects the submatch that is
// the PII value (0 for the whole match); accept, when set, vets a match.
type pattern struct {
	re     *regexp.Regexp
	group  int
	accept func(text string, start, end int) bool
}

// Detector matches one PII type with a fixed set of patterns.
type Detector struct {
	tag      Tag
	typ      string
	patterns []pattern
}

var registry = map[Tag]*Detector{
	Credential: {tag: Credential, typ: "CREDENTIAL", patterns: []pattern{
		{re: regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|passcode|secret|api[_-]?key|access[_-]?token|token)\s*[:=]\s*([^\s,;'"]+)`), group: 1},
		{re: regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}`)},
		{re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
		{re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		{re: regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9._~+/\-]{20,}=*)`), group: 1},
	}},
	Email: {tag: Email, typ: "EMAIL", patterns: []pattern{
		{re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	}},
	Phone: {tag: Phone, typ: "PHONE", patterns: []pattern{
		{re: regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?|\b)\(?\d{2,5}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}\b`), accept: isolatedNumber},
	}},
	PostalCode: {tag: PostalCode, typ: "POSTALCODE", patterns: []pattern{
		{re: regexp.MustCompile(`(?i)\b(?:GIR ?0AA|[A-Z]{1,2}\d[A-Z\d]? ?\d[ABD-HJLNP-UW-Z]{2})\b`)},
	}},
	Twitter: {tag: Twitter, typ: "TWITTER", patterns: []pattern{
		{re: regexp.MustCompile(`(?:^|[^\w@.])(@[A-Za-z0-9_]{1,15})\b`), group: 1},
	}},
	URL: {tag: URL, typ: "URL", patterns: []pattern{
		{re: regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'\x60]+`)},
	}},
	CreditCard: {tag: CreditCard, typ: "CREDIT_CARD", patterns: []pattern{
		{re: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), accept: luhnValid},
	}},
	NationalInsuranceNumber: {tag: NationalInsuranceNumber, typ: "NATIONAL_INSURANCE_NUMBER", patterns: []pattern{
		{re: regexp.MustCompile(`(?i)\b[A-CEGHJ-PR-TW-Z][A-CEGHJ-NPR-TW-Z] ?\d{2} ?\d{2} ?\d{2} ?[A-D]\b`)},
	}},
}

// order is the registration order used by Tags.
var order = []Tag{Credential, Email, Phone, PostalCode, Twitter, URL, CreditCard, NationalInsuranceNumber}

// Tags returns every registered tag.
func Tags() []Tag { return append([]Tag(nil), order...) }

// DefaultTags returns the tags enabled at full strength.
func DefaultTags() []Tag {
	return []Tag{Credential, Email, Phone, PostalCode, Twitter, URL}
}

// Lookup returns the detector registered for tag.
func Lookup(tag string) (*Detector, error) {
	d, ok := registry[Tag(strings.ToLower(strings.TrimSpace(tag)))]
	if !ok {
		return nil, guarderr.Config("detector", "unknown detector tag %q", tag)
	}
	return d, nil
}

// Known reports whether tag is registered.
func Known(tag string) bool {
	_, ok := registry[Tag(strings.ToLower(strings.TrimSpace(tag)))]
	return ok
}

// Name implements sanitize.Detector.
func (d *Detector) Name() string { return string(d.tag) }

// Type returns the mask type this detector emits.
func (d *Detector) Type() string { return d.typ }

// Detect implements sanitize.Detector. Matches from different patterns of
// the same detector may overlap; the resolver keeps the first.
func (d *Detector) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	var spans []sanitize.Span
	for _, p := range d.patterns {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("regexdetect: %s: %w", d.tag, err)
		}
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.group], m[2*p.group+1]
			if start < 0 {
				continue
			}
			if d.tag == URL {
				end = start + len(strings.TrimRight(text[start:end], ".,;:!?)]}"))
			}
			if p.accept != nil && !p.accept(text, start, end) {
				continue
			}
			spans = append(spans, sanitize.Span{
				Start:  start,
				End:    end,
				Text:   text[start:end],
				Type:   d.typ,
				Source: d.Name(),
			})
		}
	}
	return spans, nil
}

// isolatedNumber rejects phone matches that are a prefix or suffix of a
// longer digit run, such as part of a card number.
func isolatedNumber(text string, start, end int) bool {
	digits := 0
	for i := start; i < end; i++ {
		if isDigit(text[i]) {
			digits++
		}
	}
	if digits < 10 || digits > 15 {
		return false
	}
	if end < len(text) {
		next := text[end:]
		next = strings.TrimLeft(next, " -.")
		if len(next) > 0 && isDigit(next[0]) && len(next) < len(text[end:]) {
			return false
		}
	}
	if start > 0 {
		prev := strings.TrimRight(text[:start], " -.")
		if len(prev) > 0 && isDigit(prev[len(prev)-1]) {
			return false
		}
	}
	return true
}

// luhnValid reports whether the digits in text[start:end] pass the Luhn check.
func luhnValid(text string, start, end int) bool {
	sum, n := 0, 0
	for i := end - 1; i >= start; i-- {
		c := text[i]
		if !isDigit(c) {
			continue
		}
		v := int(c - '0')
		if n%2 == 1 {
			v *= 2
			if v > 9 {
				v -= 9
			}
		}
		sum += v
		n++
	}
	return n >= 13 && n <= 19 && sum%10 == 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
