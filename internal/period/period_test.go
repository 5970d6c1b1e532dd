package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddDateClampsMonthEnd(t *testing.T) {
	got, err := AddDate(date(2025, time.January, 31), TypeMonths, 1)
	require.NoError(t, err)
	require.Equal(t, date(2025, time.February, 28), got)

	got, err = AddDate(date(2024, time.January, 31), TypeMonths, 1)
	require.NoError(t, err)
	require.Equal(t, date(2024, time.February, 29), got)

	got, err = AddDate(date(2024, time.February, 29), TypeYears, 1)
	require.NoError(t, err)
	require.Equal(t, date(2025, time.February, 28), got)
}

func TestAddDateSimpleGranularities(t *testing.T) {
	start := date(2025, time.March, 10)

	got, err := AddDate(start, TypeDays, 5)
	require.NoError(t, err)
	require.Equal(t, date(2025, time.March, 15), got)

	got, err = AddDate(start, TypeWeeks, 2)
	require.NoError(t, err)
	require.Equal(t, date(2025, time.March, 24), got)
}

func TestAddDateRejectsBadInput(t *testing.T) {
	_, err := AddDate(date(2025, time.March, 10), TypeDays, 0)
	require.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = AddDate(date(2025, time.March, 10), Type("FORTNIGHTS"), 1)
	require.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = AddDate(date(2025, time.March, 10), TypeLifetime, 1)
	require.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestResetDate(t *testing.T) {
	p := PlanPeriod{PeriodType: TypeMonths, PeriodValue: 1, ResetPeriodType: TypeDays, ResetPeriodValue: 10}
	next, ok, err := ResetDate(date(2025, time.April, 1), p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, date(2025, time.April, 11), next)

	_, ok, err = ResetDate(date(2025, time.April, 1), PlanPeriod{PeriodType: TypeLifetime})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = ResetDate(date(2025, time.April, 1), PlanPeriod{PeriodType: TypeMonths, PeriodValue: 1})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResetPeriodsMonthlyWithTenDayResets(t *testing.T) {
	p := PlanPeriod{PeriodType: TypeMonths, PeriodValue: 1, ResetPeriodType: TypeDays, ResetPeriodValue: 10}
	start := date(2025, time.April, 1) // 30-day month

	windows, err := ResetPeriods(start, p)
	require.NoError(t, err)
	require.Len(t, windows, 3)

	require.Equal(t, date(2025, time.April, 1), windows[0].Start)
	require.Equal(t, date(2025, time.April, 11), windows[0].End)
	require.Equal(t, date(2025, time.April, 21), windows[1].End)
	require.Equal(t, date(2025, time.May, 1), windows[2].End)
}

func TestResetPeriodsClipsLastWindow(t *testing.T) {
	// 31-day month: 10+10+10+1 days -> four windows, last clipped.
	p := PlanPeriod{PeriodType: TypeMonths, PeriodValue: 1, ResetPeriodType: TypeDays, ResetPeriodValue: 10}
	windows, err := ResetPeriods(date(2025, time.March, 1), p)
	require.NoError(t, err)
	require.Len(t, windows, 4)
	require.Equal(t, date(2025, time.March, 31), windows[3].Start)
	require.Equal(t, date(2025, time.April, 1), windows[3].End)
}

func TestResetPeriodsCadenceLongerThanPeriod(t *testing.T) {
	// one month cadence inside a one week period
	p := PlanPeriod{PeriodType: TypeDays, PeriodValue: 7, ResetPeriodType: TypeMonths, ResetPeriodValue: 1}
	windows, err := ResetPeriods(date(2025, time.June, 1), p)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, date(2025, time.June, 1), windows[0].Start)
	require.Equal(t, date(2025, time.June, 8), windows[0].End)
}

func TestResetPeriodsEmptyWithoutCadence(t *testing.T) {
	windows, err := ResetPeriods(date(2025, time.June, 1), PlanPeriod{PeriodType: TypeMonths, PeriodValue: 1})
	require.NoError(t, err)
	require.Empty(t, windows)

	windows, err = ResetPeriods(date(2025, time.June, 1), PlanPeriod{
		PeriodType: TypeLifetime, ResetPeriodType: TypeDays, ResetPeriodValue: 10,
	})
	require.NoError(t, err)
	require.Empty(t, windows)

	windows, err = ResetPeriods(date(2025, time.June, 1), PlanPeriod{
		PeriodType: TypeMonths, PeriodValue: 1, ResetPeriodType: TypeDays, ResetPeriodValue: 0,
	})
	require.NoError(t, err)
	require.Empty(t, windows)
}
