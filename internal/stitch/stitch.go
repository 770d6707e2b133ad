package stitch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/metrics"
)

// Result describes what a stitch produced.
type Result struct {
	Resolution calendar.Resolution
	StartYear  int
	EndYear    int
	// Files lists the concatenated output for weekly resolution, or the
	// untouched per-year inputs for daily resolution.
	Files        []string
	Metrics      []string
	Concatenated bool
}

// Stitcher assembles the per-year outputs found in one directory.
type Stitcher struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewStitcher returns a stitcher over the output directory dir.
func NewStitcher(dir string, logger *zap.SugaredLogger) *Stitcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Stitcher{dir: dir, logger: logger}
}

// OutputName names a stitched weekly dataset by region, years and the sorted
// set of metrics it holds, e.g. VNM-2-2001-2020-spei+spi-weekly.csv.
func OutputName(region string, startYear, endYear int, metrics []string) string {
	return fmt.Sprintf("%s-%d-%d-%s-weekly.csv", region, startYear, endYear, strings.Join(metrics, "+"))
}

// Collection lists the per-year files for region, which must carry an admin
// level (e.g. VNM-2).
func (s *Stitcher) Collection(region string) ([]YearFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}
	var files []YearFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		yf, ok := ParseYearFileName(e.Name())
		if !ok || yf.Region != region {
			continue
		}
		yf.Path = filepath.Join(s.dir, e.Name())
		files = append(files, yf)
	}
	if len(files) == 0 {
		return nil, faults.Configf("no outputs found for region %s in %s, might be missing admin level like VNM-2", region, s.dir)
	}
	slices.SortFunc(files, func(a, b YearFile) int {
		if c := strings.Compare(a.Metric, b.Metric); c != 0 {
			return c
		}
		return a.Year - b.Year
	})
	return files, nil
}

// Stitch assembles the outputs for region over [startYear, endYear]. Zero
// years default to the range present on disk.
//
// At weekly resolution every weekly metric is concatenated into a single
// file. At daily resolution nothing is concatenated: weekly indices cannot be
// merged with daily series without resampling, so the per-year files are
// left as they are and returned.
func (s *Stitcher) Stitch(ctx context.Context, region string, startYear, endYear int, res calendar.Resolution) (*Result, error) {
	if res != calendar.Weekly && res != calendar.Daily {
		return nil, faults.Configf("stitching supports daily or weekly resolution, got %s", res)
	}
	files, err := s.Collection(region)
	if err != nil {
		return nil, err
	}

	byMetric := map[string][]YearFile{}
	for _, f := range files {
		byMetric[f.Metric] = append(byMetric[f.Metric], f)
	}
	if startYear == 0 && endYear == 0 {
		startYear, endYear = files[0].Year, files[0].Year
		for _, f := range files {
			startYear, endYear = min(startYear, f.Year), max(endYear, f.Year)
		}
	}
	if startYear > endYear {
		return nil, &faults.RangeError{Start: startYear, End: endYear}
	}

	var names []string
	for metric, mf := range byMetric {
		if mixed(mf) {
			return nil, faults.Configf("combining %s at both weekly and daily resolution is not supported", metric)
		}
		if mf[0].Resolution == res {
			names = append(names, metric)
		}
	}
	slices.Sort(names)
	if len(names) == 0 {
		return nil, faults.Configf("no %s outputs found for %s", res, region)
	}

	var selected []YearFile
	for _, metric := range names {
		have := map[int]YearFile{}
		for _, f := range byMetric[metric] {
			have[f.Year] = f
		}
		var missing []string
		for y := startYear; y <= endYear; y++ {
			f, ok := have[y]
			if !ok {
				missing = append(missing, strconv.Itoa(y))
				continue
			}
			selected = append(selected, f)
		}
		if len(missing) > 0 {
			return nil, &faults.ConfigurationError{
				Msg:     fmt.Sprintf("contiguous years not present for %s from %d-%d in %s, missing years", metric, startYear, endYear, region),
				Missing: missing,
			}
		}
	}

	result := &Result{Resolution: res, StartYear: startYear, EndYear: endYear, Metrics: names}
	if res == calendar.Daily {
		for _, f := range selected {
			result.Files = append(result.Files, f.Path)
		}
		s.logger.Infow("daily outputs are kept as per-year files",
			"region", region, "metrics", names, "files", len(result.Files))
		return result, nil
	}

	var rows []Row
	for _, f := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.logger.Debugw("collating", "metric", f.Metric, "year", f.Year, "path", f.Path)
		yr, err := ReadRows(f.Path)
		if err != nil {
			return nil, err
		}
		if n := len(rows); n > 0 && len(yr) > 0 && rows[n-1].Metric == yr[0].Metric && !yr[0].Date.After(rows[n-1].Date) {
			return nil, faults.Configf("%s overlaps the preceding year of %s", f.Path, f.Metric)
		}
		rows = append(rows, yr...)
	}

	out := filepath.Join(s.dir, OutputName(region, startYear, endYear, names))
	if err := WriteRows(out, rows); err != nil {
		return nil, err
	}
	metrics.StitchedFilesTotal.WithLabelValues(string(res)).Inc()
	s.logger.Infow("stitched weekly outputs",
		"region", region, "years", fmt.Sprintf("%d-%d", startYear, endYear),
		"metrics", names, "rows", len(rows), "path", out)

	result.Files = []string{out}
	result.Concatenated = true
	return result, nil
}

func mixed(files []YearFile) bool {
	for _, f := range files[1:] {
		if f.Resolution != files[0].Resolution {
			return true
		}
	}
	return false
}
