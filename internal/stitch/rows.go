// Package stitch writes per-year index outputs and assembles them into
// multi-year datasets.
package stitch

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/climatepipe/internal/artifact"
	"github.com/chrissnell/climatepipe/internal/calendar"
)

// KindCSV labels CSV outputs in metrics.
const KindCSV = "csv"

var header = []string{"date", "zone", "metric", "value"}

// Row is one value of one metric for one zone at one time step.
type Row struct {
	Date   time.Time
	Zone   string
	Metric string
	Value  float64
}

// YearFile is one per-year, per-metric output file.
type YearFile struct {
	Region     string // ISO3 code with admin level, e.g. VNM-2
	Year       int
	Metric     string
	Resolution calendar.Resolution
	Path       string
}

// YearFileName names the output of one metric for one year:
// <region>-<year>-era5.<metric>.<resolution>.csv.
func YearFileName(region string, year int, metric string, res calendar.Resolution) string {
	return fmt.Sprintf("%s-%d-era5.%s.%s.csv", region, year, metric, res)
}

// ParseYearFileName is the inverse of YearFileName.
func ParseYearFileName(name string) (YearFile, bool) {
	stem, ok := strings.CutSuffix(name, ".csv")
	if !ok {
		return YearFile{}, false
	}
	prefix, rest, ok := strings.Cut(stem, "-era5.")
	if !ok {
		return YearFile{}, false
	}
	i := strings.LastIndexByte(prefix, '-')
	j := strings.LastIndexByte(rest, '.')
	if i <= 0 || j <= 0 {
		return YearFile{}, false
	}
	year, err := strconv.Atoi(prefix[i+1:])
	if err != nil {
		return YearFile{}, false
	}
	res, err := calendar.ParseResolution(rest[j+1:])
	if err != nil || (res != calendar.Daily && res != calendar.Weekly) {
		return YearFile{}, false
	}
	return YearFile{
		Region:     prefix[:i],
		Year:       year,
		Metric:     rest[:j],
		Resolution: res,
	}, true
}

// WriteYear atomically writes the rows of one metric for one year into dir
// and returns the file path.
func WriteYear(dir, region string, year int, metric string, res calendar.Resolution, rows []Row) (string, error) {
	path := filepath.Join(dir, YearFileName(region, year, metric, res))
	return path, WriteRows(path, rows)
}

// WriteRows atomically writes rows as CSV with a header line.
func WriteRows(path string, rows []Row) error {
	return artifact.WriteAtomic(path, KindCSV, func(w *bufio.Writer) error {
		return encodeRows(w, rows)
	})
}

func encodeRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for _, r := range rows {
		rec[0] = r.Date.Format(time.DateOnly)
		rec[1] = r.Zone
		rec[2] = r.Metric
		rec[3] = strconv.FormatFloat(r.Value, 'g', -1, 64)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadRows reads a file written by WriteRows.
func ReadRows(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = len(header)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	var rows []Row
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		date, err := time.Parse(time.DateOnly, rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		v, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		rows = append(rows, Row{Date: date, Zone: rec[1], Metric: rec[2], Value: v})
	}
	return rows, nil
}
