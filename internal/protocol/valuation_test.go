package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueStandardLinear(t *testing.T) {
	for years := 0.0; years <= 10.0; years += 0.5 {
		v, err := ValueStandard(years)
		require.NoError(t, err)
		require.InDelta(t, years/10, v.FinalValue, 1e-12)
		require.False(t, v.WorseThanDeath)
		require.Nil(t, v.LeadTimeValue)
		require.GreaterOrEqual(t, v.FinalValue, 0.0)
	}
}

func TestValueStandardMonotone(t *testing.T) {
	prev := -1.0
	for years := 0.0; years <= 10.0; years += 0.5 {
		v, err := ValueStandard(years)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v.FinalValue, prev)
		prev = v.FinalValue
	}
}

func TestValueStandardSevenAndAHalfYears(t *testing.T) {
	v, err := ValueStandard(7.5)
	require.NoError(t, err)
	require.Equal(t, 0.75, v.FinalValue)
	require.False(t, v.WorseThanDeath)
}

func TestValueStandardZeroIsIndifferenceWithDeath(t *testing.T) {
	v, err := ValueStandard(0)
	require.NoError(t, err)
	require.Equal(t, 0.0, v.FinalValue)
	require.False(t, v.WorseThanDeath, "zero is indifference with death, not WTD")
}

func TestValueStandardRejectsOutOfRange(t *testing.T) {
	for _, years := range []float64{-0.5, 10.5, 100} {
		_, err := ValueStandard(years)
		require.Error(t, err)
		var ve ValueError
		require.ErrorAs(t, err, &ve)
	}
}

func TestValueLeadTimeThreeYears(t *testing.T) {
	v, err := ValueLeadTime(3, 0)
	require.NoError(t, err)
	require.InDelta(t, -0.30, v.FinalValue, 1e-12)
	require.True(t, v.WorseThanDeath)
	require.NotNil(t, v.LeadTimeValue)
	require.Equal(t, 3.0, *v.LeadTimeValue)
}

func TestValueLeadTimeBounds(t *testing.T) {
	for years := 0.0; years <= 10.0; years += 0.5 {
		v, err := ValueLeadTime(years, 0)
		require.NoError(t, err)
		require.InDelta(t, -(years / 10), v.FinalValue, 1e-12)
		require.GreaterOrEqual(t, v.FinalValue, -1.0)
		require.LessOrEqual(t, v.FinalValue, 0.0)
		require.Equal(t, years > 0, v.WorseThanDeath)
	}
}

func TestValueLeadTimeZeroIsIndifferenceWithDeath(t *testing.T) {
	v, err := ValueLeadTime(0, 0)
	require.NoError(t, err)
	require.Equal(t, 0.0, v.FinalValue)
	require.False(t, v.WorseThanDeath, "zero lead time is indifference with death, not WTD")
	require.Nil(t, v.LeadTimeValue)
}

func TestValueLeadTimeConfiguredLimit(t *testing.T) {
	// The limit bounds the slider, not the denominator.
	v, err := ValueLeadTime(3, 5)
	require.NoError(t, err)
	require.InDelta(t, -0.30, v.FinalValue, 1e-12)
	_, err = ValueLeadTime(5.5, 5)
	require.Error(t, err)
	var ve ValueError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, 5.0, ve.Limit)
}

func TestValueLeadTimeRejectsOutOfRange(t *testing.T) {
	_, err := ValueLeadTime(-1, 0)
	require.Error(t, err)
	_, err = ValueLeadTime(11, 0)
	require.Error(t, err)
}

func TestBranchSigns(t *testing.T) {
	// A standard-branch value is never negative; a WTD-branch value never positive.
	for years := 0.0; years <= 10.0; years += 0.5 {
		std, err := Value(false, years, 0)
		require.NoError(t, err)
		require.GreaterOrEqual(t, std.FinalValue, 0.0)
		wtd, err := Value(true, years, 0)
		require.NoError(t, err)
		require.LessOrEqual(t, wtd.FinalValue, 0.0)
		require.Equal(t, wtd.FinalValue < 0, years > 0)
		require.Equal(t, wtd.FinalValue < 0, wtd.WorseThanDeath)
	}
}

func TestSnapToStep(t *testing.T) {
	require.Equal(t, 7.5, SnapToStep(7.4, 0.5))
	require.Equal(t, 7.5, SnapToStep(7.6, 0.5))
	require.Equal(t, 0.0, SnapToStep(0.2, 0.5))
	require.Equal(t, 3.3, SnapToStep(3.3, 0))
}
