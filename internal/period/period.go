package period

import (
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeDays     Type = "DAYS"
	TypeWeeks    Type = "WEEKS"
	TypeMonths   Type = "MONTHS"
	TypeYears    Type = "YEARS"
	TypeLifetime Type = "LIFETIME"
)

var ErrInvalidPeriod = errors.New("invalid_period")

// PlanPeriod describes how long a paid period lasts and, optionally, the
// cadence at which credits refill inside it. A zero reset cadence means the
// period has no internal refills.
type PlanPeriod struct {
	PeriodType       Type
	PeriodValue      int
	ResetPeriodType  Type
	ResetPeriodValue int
}

// Window is one [Start, End) sub-window of a plan period.
type Window struct {
	Start time.Time
	End   time.Time
}

// AddDate advances t by value units of the given granularity. Month and year
// arithmetic clamps to the last valid day of the target month, so
// Jan 31 + 1 month is the last day of February rather than March 2/3.
func AddDate(t time.Time, periodType Type, value int) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, fmt.Errorf("%w: value must be positive, got %d", ErrInvalidPeriod, value)
	}
	switch periodType {
	case TypeDays:
		return t.AddDate(0, 0, value), nil
	case TypeWeeks:
		return t.AddDate(0, 0, 7*value), nil
	case TypeMonths:
		return addMonthsClamped(t, value), nil
	case TypeYears:
		return addMonthsClamped(t, 12*value), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported period type %q", ErrInvalidPeriod, periodType)
	}
}

// End returns the end of a plan period starting at t. LIFETIME periods have
// no end and return (zero, false).
func End(t time.Time, p PlanPeriod) (time.Time, bool, error) {
	if p.PeriodType == TypeLifetime {
		return time.Time{}, false, nil
	}
	end, err := AddDate(t, p.PeriodType, p.PeriodValue)
	if err != nil {
		return time.Time{}, false, err
	}
	return end, true, nil
}

// ResetDate returns t advanced by one reset cadence, or (zero, false) when
// the plan period defines no reset cadence or is LIFETIME.
func ResetDate(t time.Time, p PlanPeriod) (time.Time, bool, error) {
	if !hasResetCadence(p) {
		return time.Time{}, false, nil
	}
	next, err := AddDate(t, p.ResetPeriodType, p.ResetPeriodValue)
	if err != nil {
		return time.Time{}, false, err
	}
	return next, true, nil
}

// ResetPeriods enumerates the reset sub-windows inside [t, periodEnd),
// clipping the last window to the period end. LIFETIME periods and periods
// without a reset cadence yield nil. Each window's start strictly advances,
// which bounds the loop.
func ResetPeriods(t time.Time, p PlanPeriod) ([]Window, error) {
	if p.PeriodType == TypeLifetime || !hasResetCadence(p) {
		return nil, nil
	}

	periodEnd, ok, err := End(t, p)
	if err != nil || !ok {
		return nil, err
	}

	var windows []Window
	start := t
	for start.Before(periodEnd) {
		end, err := AddDate(start, p.ResetPeriodType, p.ResetPeriodValue)
		if err != nil {
			return nil, err
		}
		if !end.After(start) {
			return nil, fmt.Errorf("%w: reset cadence does not advance from %s", ErrInvalidPeriod, start)
		}
		if end.After(periodEnd) {
			end = periodEnd
		}
		windows = append(windows, Window{Start: start, End: end})
		start = end
	}
	return windows, nil
}

func hasResetCadence(p PlanPeriod) bool {
	return p.ResetPeriodType != "" && p.ResetPeriodType != TypeLifetime && p.ResetPeriodValue > 0
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	firstOfTarget := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	if last := daysInMonth(firstOfTarget.Year(), firstOfTarget.Month()); day > last {
		day = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
