package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagResponseNoMovementWins(t *testing.T) {
	rules := DefaultQualityRules()
	// Both rules hit; zero movement subsumes speed.
	flagged, reason := rules.FlagResponse(ResponseSample{TimeSpentSeconds: 4, MovesCount: 0})
	require.True(t, flagged)
	require.Equal(t, FlagNoSliderMovement, reason)
}

func TestFlagResponseTooFast(t *testing.T) {
	rules := DefaultQualityRules()
	flagged, reason := rules.FlagResponse(ResponseSample{TimeSpentSeconds: 9, MovesCount: 4})
	require.True(t, flagged)
	require.Equal(t, FlagTooFast, reason)
}

func TestFlagResponseClean(t *testing.T) {
	rules := DefaultQualityRules()
	flagged, reason := rules.FlagResponse(ResponseSample{TimeSpentSeconds: 45, MovesCount: 6})
	require.False(t, flagged)
	require.Empty(t, reason)
}

func TestFlagSessionInvariantResponses(t *testing.T) {
	rules := DefaultQualityRules()

	flagged, reason := rules.FlagSession([]float64{0.5, 0.5, 0.5, 0.7})
	require.True(t, flagged)
	require.Equal(t, FlagInvariantResponses, reason)

	flagged, _ = rules.FlagSession([]float64{0.5, 0.5, 0.7, 0.8})
	require.False(t, flagged)

	flagged, _ = rules.FlagSession(nil)
	require.False(t, flagged)
}

func TestFlagSessionRespectsThreshold(t *testing.T) {
	rules := QualityRules{InvariantThreshold: 2}
	flagged, _ := rules.FlagSession([]float64{-0.3, -0.3})
	require.True(t, flagged)

	rules.InvariantThreshold = 0
	flagged, _ = rules.FlagSession([]float64{1, 1, 1, 1})
	require.False(t, flagged)
}
