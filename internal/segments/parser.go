// Package segments turns raw model output into validated, ordered highlight segments.
package segments

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/types"
)

// ErrNoValidSegments is returned when no attempt produced a usable segment.
var ErrNoValidSegments = errors.New("no valid segments")

const (
	defaultSignificance  = 5
	defaultNarrativeRole = "highlight"
)

// Outcome reports what Parse recovered and how.
type Outcome struct {
	Segments []types.Segment
	Strategy string // ladder step that produced the candidates
	Rejected int    // candidates dropped by validation
}

// Parse runs the ladder over raw and validates the first non-empty result
// against profile. Segments are returned sorted by start.
func Parse(raw string, profile types.FormatProfile) (Outcome, error) {
	for _, step := range Ladder {
		cands, ok := step.Try(raw)
		if !ok || len(cands) == 0 {
			continue
		}
		segs := normalize(cands, profile)
		out := Outcome{Segments: segs, Strategy: step.Name, Rejected: len(cands) - len(segs)}
		if len(segs) == 0 {
			return out, fmt.Errorf("%w: %d candidates from %s rejected; response preview: %q",
				ErrNoValidSegments, len(cands), step.Name, Preview(raw))
		}
		return out, nil
	}
	return Outcome{}, fmt.Errorf("%w: response preview: %q", ErrNoValidSegments, Preview(raw))
}

// Preview returns a single-line, rune-bounded excerpt of raw for diagnostics.
func Preview(raw string) string {
	clean := strings.Join(strings.Fields(raw), " ")
	if clean == "" {
		return "<empty>"
	}
	r := []rune(clean)
	if len(r) > common.ResponsePreviewRunes {
		return string(r[:common.ResponsePreviewRunes]) + "..."
	}
	return clean
}

func normalize(cands []Candidate, profile types.FormatProfile) []types.Segment {
	out := make([]types.Segment, 0, len(cands))
	for _, c := range cands {
		seg, ok := toSegment(c)
		if !ok {
			continue
		}
		if seg.Start < 0 || seg.End <= seg.Start {
			continue
		}
		if seg.Duration() < profile.MinSegment {
			continue
		}
		out = append(out, seg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func toSegment(c Candidate) (types.Segment, bool) {
	title := strings.TrimSpace(stringField(c, "title"))
	start, okStart := numberField(c, "start_time", "startTime", "start")
	end, okEnd := numberField(c, "end_time", "endTime", "end")
	if title == "" || !okStart || !okEnd {
		return types.Segment{}, false
	}
	seg := types.Segment{
		Title:          title,
		Description:    strings.TrimSpace(stringField(c, "description")),
		Start:          start,
		End:            end,
		Significance:   defaultSignificance,
		NarrativeRole:  strings.TrimSpace(stringField(c, "narrative_role", "narrativeRole", "role")),
		TransitionNote: strings.TrimSpace(stringField(c, "transition_note", "transitionNote")),
	}
	if sig, ok := numberField(c, "significance", "score"); ok {
		seg.Significance = clampSignificance(sig)
	}
	if seg.NarrativeRole == "" {
		seg.NarrativeRole = defaultNarrativeRole
	}
	return seg, true
}

func clampSignificance(v float64) int {
	n := int(math.Round(v))
	switch {
	case n < 1:
		return 1
	case n > 10:
		return 10
	}
	return n
}

func stringField(c Candidate, keys ...string) string {
	for _, k := range keys {
		switch v := c[k].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func numberField(c Candidate, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, present := c[k]
		if !present || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		case string:
			return ParseSeconds(n)
		}
	}
	return 0, false
}

// ParseSeconds accepts plain seconds ("12.5") or clock notation ("1:05", "00:01:05.5").
func ParseSeconds(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "s"))
	if s == "" {
		return 0, false
	}
	if !strings.Contains(s, ":") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	var total float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil || f < 0 {
			return 0, false
		}
		if i < len(parts)-1 && f != math.Trunc(f) {
			return 0, false
		}
		total = total*60 + f
	}
	return total, true
}
