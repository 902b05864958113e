package protocol

import (
	"fmt"
	"math"
)

// Horizon is the fixed duration, in years, of "Life A" (time spent in the
// described health state) and of the lead-time block in the WTD variant.
const Horizon = 10.0

// Valuation is the outcome of a single TTO task.
type Valuation struct {
	FinalValue     float64
	WorseThanDeath bool
	LeadTimeValue  *float64
}

// ValueError reports a slider position outside the protocol's range.
type ValueError struct {
	Field string
	Value float64
	Limit float64
}

func (e ValueError) Error() string {
	return fmt.Sprintf("%s %v outside [0, %v]", e.Field, e.Value, e.Limit)
}

// ValueStandard maps the standard-branch indifference point to a health-state
// value: chosenYears in full health judged equivalent to Horizon years in
// state. The result is chosenYears/Horizon, never negative; zero means
// indifference with death, not a worse-than-death judgment.
func ValueStandard(chosenYears float64) (Valuation, error) {
	if chosenYears < 0 || chosenYears > Horizon || math.IsNaN(chosenYears) {
		return Valuation{}, ValueError{Field: "chosen_years", Value: chosenYears, Limit: Horizon}
	}
	v := chosenYears / Horizon
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return Valuation{FinalValue: v}, nil
}

// ValueLeadTime maps the worse-than-death indifference point to a negative
// value. The respondent trades leadYears of full health prefixed to Horizon
// fixed years in state against immediate death; at indifference the value is
// -(leadYears/Horizon), clamped to >= -1. A zero lead time is indifference
// with death, the same outcome as the standard branch's zero. leadLimit is
// the configured length of the lead-time block; non-positive means Horizon.
func ValueLeadTime(leadYears, leadLimit float64) (Valuation, error) {
	limit := leadLimit
	if limit <= 0 {
		limit = Horizon
	}
	if leadYears < 0 || leadYears > limit || math.IsNaN(leadYears) {
		return Valuation{}, ValueError{Field: "lead_time_years", Value: leadYears, Limit: limit}
	}
	v := -(leadYears / Horizon)
	if v < -1 {
		v = -1
	}
	if v >= 0 {
		return Valuation{}, nil
	}
	lt := leadYears
	return Valuation{FinalValue: v, WorseThanDeath: true, LeadTimeValue: &lt}, nil
}

// Value dispatches on the respondent's worse-than-death judgment. years is
// the slider position of whichever branch applies. The result marks
// WorseThanDeath exactly when the final value is negative.
func Value(worseThanDeath bool, years, leadLimit float64) (Valuation, error) {
	if worseThanDeath {
		return ValueLeadTime(years, leadLimit)
	}
	return ValueStandard(years)
}

// SnapToStep rounds a slider position to the protocol's step granularity.
func SnapToStep(years, step float64) float64 {
	if step <= 0 {
		return years
	}
	return math.Round(years/step) * step
}
