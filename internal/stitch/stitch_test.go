package stitch

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
)

func weeklyRows(t *testing.T, metric string, year int, value float64) []Row {
	t.Helper()
	var rows []Row
	for d := calendar.ISOWeekStart(year, 1); ; d = d.AddDate(0, 0, 7) {
		if y, _ := d.ISOWeek(); y != year {
			break
		}
		for _, zone := range []string{"VN-01", "VN-02"} {
			rows = append(rows, Row{Date: d, Zone: zone, Metric: metric, Value: value})
		}
	}
	return rows
}

func dailyRows(metric string, year int) []Row {
	var rows []Row
	for d := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC); d.Year() == year; d = d.AddDate(0, 0, 1) {
		rows = append(rows, Row{Date: d, Zone: "VN-01", Metric: metric, Value: 1})
	}
	return rows
}

func writeYear(t *testing.T, dir, metric string, year int, res calendar.Resolution, rows []Row) {
	t.Helper()
	if _, err := WriteYear(dir, "VNM-2", year, metric, res, rows); err != nil {
		t.Fatalf("WriteYear: %v", err)
	}
}

func TestParseYearFileName(t *testing.T) {
	tests := []struct {
		name string
		want YearFile
		ok   bool
	}{
		{"VNM-2-2020-era5.spi.weekly.csv", YearFile{Region: "VNM-2", Year: 2020, Metric: "spi", Resolution: calendar.Weekly}, true},
		{"KHM-1-2001-era5.t2m.mean.daily.csv", YearFile{Region: "KHM-1", Year: 2001, Metric: "t2m.mean", Resolution: calendar.Daily}, true},
		{"VNM-2-2000-2020-spi+tp-weekly.csv", YearFile{}, false},
		{"VNM-2-2020-era5.spi.monthly.csv", YearFile{}, false},
		{"VNM-2-2020-era5.spi.weekly.nc", YearFile{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseYearFileName(tt.name)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseYearFileName = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
	if name := YearFileName("VNM-2", 2020, "spi", calendar.Weekly); name != "VNM-2-2020-era5.spi.weekly.csv" {
		t.Errorf("YearFileName = %s", name)
	}
}

func TestRowsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.csv")
	want := []Row{
		{Date: time.Date(2020, 1, 6, 0, 0, 0, 0, time.UTC), Zone: "10.0000,105.0000", Metric: "spi", Value: -1.25},
		{Date: time.Date(2020, 1, 13, 0, 0, 0, 0, time.UTC), Zone: "10.0000,105.0000", Metric: "spi", Value: math.NaN()},
	}
	if err := WriteRows(path, want); err != nil {
		t.Fatalf("WriteRows: %v", err)
	}
	got, err := ReadRows(path)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(got) != 2 || !got[0].Date.Equal(want[0].Date) || got[0].Zone != want[0].Zone ||
		got[0].Value != want[0].Value || !math.IsNaN(got[1].Value) {
		t.Errorf("ReadRows = %+v", got)
	}
}

// Weekly outputs collapse into one multi-year file; daily outputs stay as
// one file per year per variable.
func TestStitch_WeeklyAndDaily(t *testing.T) {
	weeklyDir, dailyDir := t.TempDir(), t.TempDir()
	for year := 2019; year <= 2021; year++ {
		writeYear(t, weeklyDir, "spi", year, calendar.Weekly, weeklyRows(t, "spi", year, float64(year)))
		writeYear(t, weeklyDir, "tp", year, calendar.Weekly, weeklyRows(t, "tp", year, 1))
		writeYear(t, dailyDir, "tp", year, calendar.Daily, dailyRows("tp", year))
		writeYear(t, dailyDir, "t2m", year, calendar.Daily, dailyRows("t2m", year))
	}
	ctx := context.Background()

	weekly, err := NewStitcher(weeklyDir, nil).Stitch(ctx, "VNM-2", 2019, 2021, calendar.Weekly)
	if err != nil {
		t.Fatalf("weekly Stitch: %v", err)
	}
	if !weekly.Concatenated || len(weekly.Files) != 1 {
		t.Fatalf("weekly result = %+v, want one concatenated file", weekly)
	}
	if filepath.Base(weekly.Files[0]) != "VNM-2-2019-2021-spi+tp-weekly.csv" {
		t.Errorf("output = %s", weekly.Files[0])
	}
	rows, err := ReadRows(weekly.Files[0])
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	// 2020 has 53 ISO weeks; two zones and two metrics.
	if want := (52 + 53 + 52) * 2 * 2; len(rows) != want {
		t.Errorf("stitched %d rows, want %d", len(rows), want)
	}
	if rows[0].Metric != "spi" || rows[len(rows)-1].Metric != "tp" {
		t.Errorf("rows not ordered by metric: first %s last %s", rows[0].Metric, rows[len(rows)-1].Metric)
	}

	daily, err := NewStitcher(dailyDir, nil).Stitch(ctx, "VNM-2", 2019, 2021, calendar.Daily)
	if err != nil {
		t.Fatalf("daily Stitch: %v", err)
	}
	if daily.Concatenated || len(daily.Files) != 6 {
		t.Errorf("daily result = %+v, want 6 per-year files", daily)
	}
	entries, _ := os.ReadDir(dailyDir)
	if len(entries) != 6 {
		t.Errorf("daily stitch created files: %d entries", len(entries))
	}
}

func TestStitch_Idempotent(t *testing.T) {
	dir := t.TempDir()
	for year := 2020; year <= 2021; year++ {
		writeYear(t, dir, "spei", year, calendar.Weekly, weeklyRows(t, "spei", year, 0.5))
	}
	st := NewStitcher(dir, nil)
	first, err := st.Stitch(context.Background(), "VNM-2", 0, 0, calendar.Weekly)
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if first.StartYear != 2020 || first.EndYear != 2021 {
		t.Errorf("default range = %d-%d", first.StartYear, first.EndYear)
	}
	a, _ := os.ReadFile(first.Files[0])
	second, err := st.Stitch(context.Background(), "VNM-2", 0, 0, calendar.Weekly)
	if err != nil {
		t.Fatalf("second Stitch: %v", err)
	}
	b, _ := os.ReadFile(second.Files[0])
	if !bytes.Equal(a, b) {
		t.Error("re-stitching produced different bytes")
	}
}

func TestStitch_MetricSetsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	for year := 2020; year <= 2021; year++ {
		writeYear(t, dir, "spi", year, calendar.Weekly, weeklyRows(t, "spi", year, 0.5))
	}
	st := NewStitcher(dir, nil)
	spiOnly, err := st.Stitch(ctx, "VNM-2", 2020, 2021, calendar.Weekly)
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	before, err := os.ReadFile(spiOnly.Files[0])
	if err != nil {
		t.Fatal(err)
	}

	for year := 2020; year <= 2021; year++ {
		writeYear(t, dir, "spei", year, calendar.Weekly, weeklyRows(t, "spei", year, -0.5))
	}
	both, err := st.Stitch(ctx, "VNM-2", 2020, 2021, calendar.Weekly)
	if err != nil {
		t.Fatalf("second Stitch: %v", err)
	}
	if both.Files[0] == spiOnly.Files[0] {
		t.Fatalf("both stitches wrote %s", both.Files[0])
	}
	if filepath.Base(both.Files[0]) != OutputName("VNM-2", 2020, 2021, []string{"spei", "spi"}) {
		t.Errorf("output = %s", both.Files[0])
	}
	after, err := os.ReadFile(spiOnly.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("earlier stitched file was modified")
	}
}

func TestStitch_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing year", func(t *testing.T) {
		dir := t.TempDir()
		writeYear(t, dir, "spi", 2019, calendar.Weekly, weeklyRows(t, "spi", 2019, 1))
		writeYear(t, dir, "spi", 2021, calendar.Weekly, weeklyRows(t, "spi", 2021, 1))
		_, err := NewStitcher(dir, nil).Stitch(ctx, "VNM-2", 2019, 2021, calendar.Weekly)
		var cfg *faults.ConfigurationError
		if !errors.As(err, &cfg) || len(cfg.Missing) != 1 || cfg.Missing[0] != "2020" {
			t.Errorf("err = %v, want missing year 2020", err)
		}
	})

	t.Run("mixed resolution", func(t *testing.T) {
		dir := t.TempDir()
		writeYear(t, dir, "tp", 2019, calendar.Weekly, weeklyRows(t, "tp", 2019, 1))
		writeYear(t, dir, "tp", 2020, calendar.Daily, dailyRows("tp", 2020))
		if _, err := NewStitcher(dir, nil).Stitch(ctx, "VNM-2", 2019, 2020, calendar.Weekly); !errors.Is(err, faults.ErrConfiguration) {
			t.Errorf("err = %v, want configuration error", err)
		}
	})

	t.Run("no admin level", func(t *testing.T) {
		dir := t.TempDir()
		writeYear(t, dir, "tp", 2019, calendar.Weekly, weeklyRows(t, "tp", 2019, 1))
		if _, err := NewStitcher(dir, nil).Stitch(ctx, "VNM", 2019, 2019, calendar.Weekly); !errors.Is(err, faults.ErrConfiguration) {
			t.Errorf("err = %v, want configuration error", err)
		}
	})

	t.Run("inverted range", func(t *testing.T) {
		dir := t.TempDir()
		writeYear(t, dir, "tp", 2019, calendar.Weekly, weeklyRows(t, "tp", 2019, 1))
		if _, err := NewStitcher(dir, nil).Stitch(ctx, "VNM-2", 2020, 2019, calendar.Weekly); !errors.Is(err, faults.ErrConfiguration) {
			t.Errorf("err = %v, want configuration error", err)
		}
	})
}
