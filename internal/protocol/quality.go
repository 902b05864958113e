package protocol

// Flag reasons recorded on responses and sessions. Flags are advisory
// metadata; they never block submission or step transitions.
const (
	FlagTooFast            = "too_fast"
	FlagNoSliderMovement   = "no_slider_movement"
	FlagInvariantResponses = "invariant_responses"
)

// QualityRules holds the heuristic thresholds, usually sourced from study
// config.
type QualityRules struct {
	MinTimeSeconds     int
	MinMoves           int
	InvariantThreshold int
}

// DefaultQualityRules returns the EQ-VT defaults.
func DefaultQualityRules() QualityRules {
	return QualityRules{MinTimeSeconds: 10, MinMoves: 1, InvariantThreshold: 3}
}

// ResponseSample is the slice of a TTO response the per-response rules see.
type ResponseSample struct {
	FinalValue       float64
	MovesCount       int
	TimeSpentSeconds int
}

// FlagResponse evaluates the per-response rules at insertion time. Zero
// slider movement subsumes the speed rule, so it wins when both hit.
func (r QualityRules) FlagResponse(s ResponseSample) (flagged bool, reason string) {
	if s.MovesCount < r.MinMoves {
		return true, FlagNoSliderMovement
	}
	if s.TimeSpentSeconds < r.MinTimeSeconds {
		return true, FlagTooFast
	}
	return false, ""
}

// FlagSession evaluates the session-level rule at completion: a run of
// InvariantThreshold or more identical final values suggests the respondent
// stopped engaging.
func (r QualityRules) FlagSession(values []float64) (flagged bool, reason string) {
	if r.InvariantThreshold <= 0 {
		return false, ""
	}
	counts := make(map[float64]int, len(values))
	for _, v := range values {
		counts[v]++
		if counts[v] >= r.InvariantThreshold {
			return true, FlagInvariantResponses
		}
	}
	return false, ""
}
