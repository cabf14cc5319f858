package sanitize

import (
	"log/slog"
	"sort"
	"unicode/utf8"
)

// Resolve merges candidate spans from all detectors into a non-overlapping
// list ordered by start offset.
//
// Candidates are sorted by start, then end (shorter first), then detector
// registration order. Walking that order, a span starting before the end of
// the previously kept span is dropped: the first span in sort order wins.
// Spans with invalid offsets are dropped as well. Dropped spans are returned
// for diagnostics and are never an error.
func Resolve(text string, spans []Span) (kept, dropped []Span) {
	valid := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if !validOffsets(text, sp) {
			slog.Debug("sanitize: dropped invalid span", "type", sp.Type, "source", sp.Source, "start", sp.Start, "end", sp.End)
			dropped = append(dropped, sp)
			continue
		}
		if sp.Text == "" {
			sp.Text = text[sp.Start:sp.End]
		}
		valid = append(valid, sp)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i], valid[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.order < b.order
	})

	kept = make([]Span, 0, len(valid))
	lastEnd := -1
	for _, sp := range valid {
		if sp.Start < lastEnd {
			slog.Debug("sanitize: dropped overlapping span", "type", sp.Type, "source", sp.Source, "start", sp.Start, "end", sp.End)
			dropped = append(dropped, sp)
			continue
		}
		kept = append(kept, sp)
		lastEnd = sp.End
	}
	return kept, dropped
}

func validOffsets(text string, sp Span) bool {
	if sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End {
		return false
	}
	return isRuneBoundary(text, sp.Start) && isRuneBoundary(text, sp.End)
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return utf8.RuneStart(s[i])
}
