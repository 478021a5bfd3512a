package segments

import (
	"github.com/jo-hoe/reelcut/internal/types"
)

// ResolveOverlaps enforces non-overlapping segments. segs must be sorted by
// start. A segment starting before its predecessor ends is clipped to begin
// at that end; if what remains is shorter than minSegment it is dropped.
func ResolveOverlaps(segs []types.Segment, minSegment float64) []types.Segment {
	out := make([]types.Segment, 0, len(segs))
	for _, s := range segs {
		if n := len(out); n > 0 && s.Start < out[n-1].End {
			s.Start = out[n-1].End
			if s.End <= s.Start || s.Duration() < minSegment {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// FitBudget caps segment length at the profile maximum and then shrinks the
// selection until it fits both the segment count limit and the duration
// budget for target. Least significant segments go first (latest on ties):
// they are shortened when that keeps them above the minimum length and
// dropped otherwise. Chronological order is preserved and at least one
// segment always remains.
func FitBudget(segs []types.Segment, target float64, profile types.FormatProfile) []types.Segment {
	out := make([]types.Segment, len(segs))
	copy(out, segs)
	if profile.MaxSegment > 0 {
		for i := range out {
			if out[i].Duration() > profile.MaxSegment {
				out[i].End = out[i].Start + profile.MaxSegment
			}
		}
	}

	for profile.MaxSegments > 0 && len(out) > profile.MaxSegments {
		out = removeAt(out, leastSignificant(out))
	}

	limit := profile.BudgetLimit(target)
	for len(out) > 0 {
		total := types.TotalDuration(out)
		if total <= limit {
			break
		}
		idx := leastSignificant(out)
		excess := total - target
		if out[idx].Duration()-excess >= profile.MinSegment {
			out[idx].End -= excess
			break
		}
		if len(out) == 1 {
			out[0].End = out[0].Start + target
			break
		}
		out = removeAt(out, idx)
	}
	return out
}

func leastSignificant(segs []types.Segment) int {
	idx := 0
	for i := 1; i < len(segs); i++ {
		if segs[i].Significance <= segs[idx].Significance {
			idx = i
		}
	}
	return idx
}

func removeAt(segs []types.Segment, i int) []types.Segment {
	return append(segs[:i], segs[i+1:]...)
}
