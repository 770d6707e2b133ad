// Package calendar holds the year, ISO week and temporal resolution helpers
// used to line up rolling windows with calendar weeks across year boundaries.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/climatepipe/internal/faults"
)

// FetchWindow is a requested year range padded by one year on either side.
// Weekly windows straddle year boundaries, so the year before and after the
// requested range must be available to compute complete weeks.
type FetchWindow struct {
	RequestedStart int
	RequestedEnd   int
	FetchStart     int
	FetchEnd       int
}

// Years returns every year of the padded range in ascending order.
func (w FetchWindow) Years() []int {
	years := make([]int, 0, w.FetchEnd-w.FetchStart+1)
	for y := w.FetchStart; y <= w.FetchEnd; y++ {
		years = append(years, y)
	}
	return years
}

func (w FetchWindow) String() string {
	return fmt.Sprintf("%d-%d (fetch %d-%d)", w.RequestedStart, w.RequestedEnd, w.FetchStart, w.FetchEnd)
}

// ExpandForISOWeekAlignment pads [start, end] by one year on each side.
func ExpandForISOWeekAlignment(start, end int) (FetchWindow, error) {
	if start > end {
		return FetchWindow{}, &faults.RangeError{Start: start, End: end}
	}
	return FetchWindow{
		RequestedStart: start,
		RequestedEnd:   end,
		FetchStart:     start - 1,
		FetchEnd:       end + 1,
	}, nil
}

// IsLeap reports whether year is a Gregorian leap year.
func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysInYear returns 366 for leap years and 365 otherwise.
func DaysInYear(year int) int {
	if IsLeap(year) {
		return 366
	}
	return 365
}

// ISOWeekOf returns the ISO-8601 year and week number of t.
// Week 1 is the week containing the first Thursday of the year.
func ISOWeekOf(t time.Time) (isoYear, week int) {
	return t.ISOWeek()
}

// ISOWeekStart returns the Monday (UTC midnight) that starts the given ISO week.
func ISOWeekStart(isoYear, week int) time.Time {
	jan4 := time.Date(isoYear, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, 7*(week-1))
}

// WeekStart truncates t to the Monday that starts its ISO week.
func WeekStart(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// ISOWeeksInYear returns 52 or 53.
func ISOWeeksInYear(isoYear int) int {
	_, w := time.Date(isoYear, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}

// FirstMonday returns the first Monday in January of year.
func FirstMonday(year int) time.Time {
	d := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// LastSunday returns the last Sunday in December of year.
func LastSunday(year int) time.Time {
	d := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// DateRangeForYears returns the inclusive date range covering years start to
// end, extended backwards by windowDays so that trailing windows are complete
// on the first day. With alignWeeks the range runs from the Monday of ISO
// week 1 of start to the Sunday ending the last ISO week of end, and
// windowDays must then be a multiple of 7.
func DateRangeForYears(start, end, windowDays int, alignWeeks bool) (time.Time, time.Time, error) {
	if start > end {
		return time.Time{}, time.Time{}, &faults.RangeError{Start: start, End: end}
	}
	if !alignWeeks {
		first := time.Date(start, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -windowDays)
		return first, time.Date(end, time.December, 31, 0, 0, 0, 0, time.UTC), nil
	}
	if windowDays%7 != 0 {
		return time.Time{}, time.Time{}, faults.Configf("window of %d days is not a whole number of weeks", windowDays)
	}
	first := ISOWeekStart(start, 1).AddDate(0, 0, -windowDays)
	last := ISOWeekStart(end+1, 1).AddDate(0, 0, -1)
	return first, last, nil
}

// ParseYearRange parses "2000-2020" or a single year "2019".
func ParseYearRange(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	switch len(parts) {
	case 1:
		y, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, 0, faults.Configf("invalid year %q", s)
		}
		return y, y, nil
	case 2:
		start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return 0, 0, faults.Configf("specify years as a range, e.g. 2000-2020, got %q", s)
		}
		if start > end {
			return 0, 0, &faults.RangeError{Start: start, End: end}
		}
		return start, end, nil
	default:
		return 0, 0, faults.Configf("specify years as a range, e.g. 2000-2020, got %q", s)
	}
}

// Resolution is the temporal resolution of a dataset.
type Resolution string

const (
	Annual  Resolution = "annual"
	Monthly Resolution = "monthly"
	Weekly  Resolution = "weekly"
	Daily   Resolution = "daily"
)

// ParseResolution classifies a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(s))) {
	case Annual:
		return Annual, nil
	case Monthly:
		return Monthly, nil
	case Weekly:
		return Weekly, nil
	case Daily:
		return Daily, nil
	}
	return "", faults.Configf("unknown temporal resolution %q", s)
}

// Next returns the timestamp one step of resolution r after t.
func (r Resolution) Next(t time.Time) time.Time {
	switch r {
	case Annual:
		return t.AddDate(1, 0, 0)
	case Monthly:
		return t.AddDate(0, 1, 0)
	case Weekly:
		return t.AddDate(0, 0, 7)
	default:
		return t.AddDate(0, 0, 1)
	}
}
