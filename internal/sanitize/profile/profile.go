// Package profile turns a strength level plus add/remove lists into the
// ordered detector set used by a sanitize.Sanitizer.
package profile

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/blacklist"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/regexdetect"
)

// Strength levels.
const (
	StrengthNone     = "none"
	StrengthWeak     = "weak"
	StrengthModerate = "moderate"
	StrengthStrong   = "strong"
)

// Profile is the detector section of the policy file.
type Profile struct {
	Strength  string            `yaml:"strength" json:"strength"`
	Add       []string          `yaml:"add" json:"add"`
	Remove    []string          `yaml:"remove" json:"remove"`
	Blacklist []blacklist.Entry `yaml:"blacklist" json:"blacklist"`
}

// nerNames maps add/remove names onto NER entity labels.
var nerNames = map[string][]string{
	"name":      {"PERSON", "PER"},
	"org":       {"ORG"},
	"spacy_org": {"ORG"},
	"spacy_gpe": {"GPE"},
}

const llmName = "llm"

// Plan is the resolved detector selection.
type Plan struct {
	Tags     []regexdetect.Tag
	Entities []string // NER labels, sorted
	LLM      bool
}

// Resolve applies strength defaults, then removals, then additions.
// Unknown names are a configuration error naming the list and index.
func Resolve(p Profile) (Plan, error) {
	tags := map[regexdetect.Tag]bool{}
	entities := map[string]bool{}
	llm := false

	strength := strings.ToLower(strings.TrimSpace(p.Strength))
	var drop []string
	switch strength {
	case StrengthNone:
	case StrengthWeak:
		drop = []string{"email", "phone", "postalcode", "twitter", "url"}
	case StrengthModerate:
		drop = []string{"email", "postalcode", "url"}
		entities["PER"] = true
	case "", StrengthStrong:
		entities["PERSON"], entities["PER"], entities["ORG"] = true, true, true
	default:
		return Plan{}, guarderr.Config("strength", "must be one of none, weak, moderate, strong; got %q", p.Strength)
	}
	if strength != StrengthNone {
		for _, t := range regexdetect.DefaultTags() {
			tags[t] = true
		}
	}
	for _, name := range drop {
		delete(tags, regexdetect.Tag(name))
	}

	for i, raw := range p.Remove {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case nerNames[name] != nil:
			for _, e := range nerNames[name] {
				delete(entities, e)
			}
		case name == llmName:
			llm = false
		case regexdetect.Known(name):
			delete(tags, regexdetect.Tag(name))
		default:
			return Plan{}, guarderr.Config(fmt.Sprintf("remove[%d]", i), "unsupported detector %q", raw)
		}
	}

	for i, raw := range p.Add {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case nerNames[name] != nil:
			for _, e := range nerNames[name] {
				entities[e] = true
			}
		case name == llmName:
			llm = true
		case regexdetect.Known(name):
			tags[regexdetect.Tag(name)] = true
		default:
			return Plan{}, guarderr.Config(fmt.Sprintf("add[%d]", i), "unsupported detector %q", raw)
		}
	}

	plan := Plan{LLM: llm}
	for _, t := range regexdetect.Tags() {
		if tags[t] {
			plan.Tags = append(plan.Tags, t)
		}
	}
	for e := range entities {
		plan.Entities = append(plan.Entities, e)
	}
	sort.Strings(plan.Entities)
	return plan, nil
}

// Deps supplies the detectors that need external services. Either may be nil
// when that service is not configured.
type Deps struct {
	NER func(entities []string) sanitize.Detector
	LLM sanitize.Detector
}

// Build resolves p and returns detectors in registration order: regex tags,
// blacklist, NER, LLM. Entities requested while no NER sidecar is configured
// are skipped for the strength defaults but are an error when asked for
// explicitly through add.
func Build(p Profile, deps Deps) ([]sanitize.Detector, error) {
	plan, err := Resolve(p)
	if err != nil {
		return nil, err
	}

	var out []sanitize.Detector
	for _, t := range plan.Tags {
		d, err := regexdetect.Lookup(string(t))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	if len(p.Blacklist) > 0 {
		bl, err := blacklist.New(p.Blacklist)
		if err != nil {
			return nil, err
		}
		out = append(out, bl)
	}

	if len(plan.Entities) > 0 {
		if deps.NER == nil {
			for i, raw := range p.Add {
				if nerNames[strings.ToLower(strings.TrimSpace(raw))] != nil {
					return nil, guarderr.Config(fmt.Sprintf("add[%d]", i), "detector %q needs the NER sidecar (GUARD_NER)", raw)
				}
			}
			slog.Info("profile: NER sidecar not configured, entity detection disabled", "entities", plan.Entities)
		} else {
			out = append(out, deps.NER(plan.Entities))
		}
	}

	if plan.LLM {
		if deps.LLM == nil {
			return nil, guarderr.Config("add", "detector %q needs the LLM classifier (GUARD_LLM)", llmName)
		}
		out = append(out, deps.LLM)
	}
	return out, nil
}
