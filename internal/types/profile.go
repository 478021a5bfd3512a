package types

// FormatProfile holds the per-mode constraints on segment count and length.
type FormatProfile struct {
	Mode          OutputMode
	MinSegments   int
	MaxSegments   int
	MinSegment    float64 // seconds
	MaxSegment    float64 // seconds
	TargetSegment float64 // preferred segment length in seconds
	Tolerance     float64 // accepted deviation of the total from the target, as a fraction
	Narrative     string  // guidance passed to the model
}

var profiles = map[OutputMode]FormatProfile{
	ModeIndividual: {
		Mode:          ModeIndividual,
		MinSegments:   2,
		MaxSegments:   10,
		MinSegment:    5,
		MaxSegment:    90,
		TargetSegment: 30,
		Tolerance:     0.20,
		Narrative:     "Each clip must stand alone: open with a hook and end on a complete thought.",
	},
	ModeCombined: {
		Mode:          ModeCombined,
		MinSegments:   4,
		MaxSegments:   40,
		MinSegment:    3,
		MaxSegment:    120,
		TargetSegment: 20,
		Tolerance:     0.10,
		Narrative:     "Segments are joined in order into one video: build a story arc with setup, rising moments and a payoff.",
	},
}

// ProfileFor returns the profile for mode, falling back to individual clips.
func ProfileFor(mode OutputMode) FormatProfile {
	if p, ok := profiles[mode]; ok {
		return p
	}
	return profiles[ModeIndividual]
}

// BudgetLimit is the largest accepted total duration for target seconds.
func (p FormatProfile) BudgetLimit(target float64) float64 {
	return target * (1 + p.Tolerance)
}
