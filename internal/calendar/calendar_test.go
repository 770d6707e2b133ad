package calendar

import (
	"errors"
	"testing"
	"time"

	"github.com/chrissnell/climatepipe/internal/faults"
)

func TestExpandForISOWeekAlignment(t *testing.T) {
	w, err := ExpandForISOWeekAlignment(2001, 2019)
	if err != nil {
		t.Fatalf("ExpandForISOWeekAlignment: %v", err)
	}
	if w.FetchStart != 2000 || w.FetchEnd != 2020 {
		t.Errorf("fetch range = %d-%d, want 2000-2020", w.FetchStart, w.FetchEnd)
	}
	if w.RequestedStart != 2001 || w.RequestedEnd != 2019 {
		t.Errorf("requested range = %d-%d, want 2001-2019", w.RequestedStart, w.RequestedEnd)
	}
	if got := len(w.Years()); got != 21 {
		t.Errorf("len(Years()) = %d, want 21", got)
	}

	single, err := ExpandForISOWeekAlignment(2010, 2010)
	if err != nil {
		t.Fatalf("single year: %v", err)
	}
	if single.FetchStart != 2009 || single.FetchEnd != 2011 {
		t.Errorf("single year fetch range = %d-%d, want 2009-2011", single.FetchStart, single.FetchEnd)
	}
}

func TestExpandForISOWeekAlignment_InvertedRange(t *testing.T) {
	_, err := ExpandForISOWeekAlignment(2020, 2019)
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
	var rangeErr *faults.RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("error = %T, want *faults.RangeError", err)
	}
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Error("RangeError should be a configuration error")
	}
}

func TestDaysInYear(t *testing.T) {
	tests := []struct {
		year int
		want int
	}{
		{2019, 365},
		{2020, 366},
		{1900, 365},
		{2000, 366},
		{2100, 365},
		{2400, 366},
	}
	for _, tt := range tests {
		if got := DaysInYear(tt.year); got != tt.want {
			t.Errorf("DaysInYear(%d) = %d, want %d", tt.year, got, tt.want)
		}
	}
}

func TestISOWeekOf(t *testing.T) {
	tests := []struct {
		name     string
		date     time.Time
		wantYear int
		wantWeek int
	}{
		{"mid year", time.Date(2020, 6, 15, 0, 0, 0, 0, time.UTC), 2020, 25},
		{"jan 1 belongs to previous year", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), 2020, 53},
		{"dec 30 belongs to next year", time.Date(2019, 12, 30, 0, 0, 0, 0, time.UTC), 2020, 1},
		{"first thursday", time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), 2015, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, w := ISOWeekOf(tt.date)
			if y != tt.wantYear || w != tt.wantWeek {
				t.Errorf("ISOWeekOf(%s) = (%d, %d), want (%d, %d)", tt.date.Format("2006-01-02"), y, w, tt.wantYear, tt.wantWeek)
			}
		})
	}
}

func TestISOWeekStart(t *testing.T) {
	for year := 1998; year <= 2030; year++ {
		start := ISOWeekStart(year, 1)
		if start.Weekday() != time.Monday {
			t.Fatalf("ISOWeekStart(%d, 1) = %s, not a Monday", year, start.Weekday())
		}
		y, w := start.ISOWeek()
		if y != year || w != 1 {
			t.Errorf("ISOWeekStart(%d, 1) falls in ISO week %d-%d", year, y, w)
		}
		last := ISOWeekStart(year, ISOWeeksInYear(year))
		if y, _ := last.ISOWeek(); y != year {
			t.Errorf("last ISO week of %d starts in ISO year %d", year, y)
		}
	}
}

func TestWeekStart(t *testing.T) {
	got := WeekStart(time.Date(2020, 1, 1, 13, 0, 0, 0, time.UTC))
	want := time.Date(2019, 12, 30, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("WeekStart = %s, want %s", got, want)
	}
}

func TestFirstMondayLastSunday(t *testing.T) {
	if got := FirstMonday(2019); !got.Equal(time.Date(2019, 1, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("FirstMonday(2019) = %s", got)
	}
	if got := LastSunday(2020); !got.Equal(time.Date(2020, 12, 27, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("LastSunday(2020) = %s", got)
	}
}

func TestDateRangeForYears(t *testing.T) {
	tests := []struct {
		name       string
		window     int
		align      bool
		wantStart  time.Time
		wantEnd    time.Time
		wantErrCfg bool
	}{
		{"unaligned no window", 0, false, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC), false},
		{"unaligned 40 day window", 40, false, time.Date(2018, 11, 22, 0, 0, 0, 0, time.UTC), time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC), false},
		{"aligned no window", 0, true, time.Date(2018, 12, 31, 0, 0, 0, 0, time.UTC), time.Date(2021, 1, 3, 0, 0, 0, 0, time.UTC), false},
		{"aligned 42 day window", 42, true, time.Date(2018, 11, 19, 0, 0, 0, 0, time.UTC), time.Date(2021, 1, 3, 0, 0, 0, 0, time.UTC), false},
		{"aligned window not whole weeks", 10, true, time.Time{}, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := DateRangeForYears(2019, 2020, tt.window, tt.align)
			if tt.wantErrCfg {
				if !errors.Is(err, faults.ErrConfiguration) {
					t.Fatalf("err = %v, want configuration error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DateRangeForYears: %v", err)
			}
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Errorf("range = %s..%s, want %s..%s", start.Format("2006-01-02"), end.Format("2006-01-02"),
					tt.wantStart.Format("2006-01-02"), tt.wantEnd.Format("2006-01-02"))
			}
		})
	}
}

func TestParseYearRange(t *testing.T) {
	tests := []struct {
		in        string
		wantStart int
		wantEnd   int
		wantErr   bool
	}{
		{"2000-2020", 2000, 2020, false},
		{" 2019 ", 2019, 2019, false},
		{"2020-2000", 0, 0, true},
		{"twenty", 0, 0, true},
		{"2000-2010-2020", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, end, err := ParseYearRange(tt.in)
			if tt.wantErr {
				if !errors.Is(err, faults.ErrConfiguration) {
					t.Errorf("ParseYearRange(%q) err = %v, want configuration error", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseYearRange(%q): %v", tt.in, err)
			}
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("ParseYearRange(%q) = %d-%d, want %d-%d", tt.in, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestParseResolution(t *testing.T) {
	for _, s := range []string{"annual", "Monthly", "WEEKLY", "daily"} {
		if _, err := ParseResolution(s); err != nil {
			t.Errorf("ParseResolution(%q): %v", s, err)
		}
	}
	if _, err := ParseResolution("hourly"); err == nil {
		t.Error("ParseResolution(hourly) should fail")
	}
}
