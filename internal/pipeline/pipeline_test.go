package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/mathext"

	"github.com/chrissnell/climatepipe/internal/artifact"
	"github.com/chrissnell/climatepipe/internal/biascorrect"
	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/gamma"
	"github.com/chrissnell/climatepipe/internal/grid"
	"github.com/chrissnell/climatepipe/internal/gridio"
	"github.com/chrissnell/climatepipe/internal/registry"
	"github.com/chrissnell/climatepipe/internal/spi"
	"github.com/chrissnell/climatepipe/internal/stitch"
	"github.com/chrissnell/climatepipe/internal/zonal"
	"github.com/chrissnell/climatepipe/pkg/config"
)

const region = "VNM"

var (
	lat = []float64{10, 10.25}
	lon = []float64{105, 105.25}
)

// writeYear writes one ISO year of weekly values for variable. Precipitation
// follows a gamma(2, 10) distribution; evaporation is a constant 4 per week.
func writeYear(t *testing.T, src *gridio.DirectorySource, variable string, year int) {
	t.Helper()
	n := calendar.ISOWeeksInYear(year)
	times := make([]time.Time, n)
	for w := range times {
		times[w] = calendar.ISOWeekStart(year, w+1)
	}
	s, err := grid.NewStack(variable, calendar.Weekly, lat, lon, times)
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	r := rand.New(rand.NewPCG(uint64(year), 7))
	for ti := range times {
		for c := 0; c < s.NumCells(); c++ {
			v := 4.0
			if variable == Precipitation {
				v = 10 * mathext.GammaIncRegInv(2, (r.Float64()*0.998)+0.001)
			}
			s.Set(ti, c, v)
		}
	}
	if err := gridio.Write(src.Path(region, variable, year), s); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

type fixture struct {
	pipe  *Pipeline
	paths config.Paths
	src   *gridio.DirectorySource
}

func newFixture(t *testing.T, first, last int, bc biascorrect.Settings) *fixture {
	t.Helper()
	ctx := context.Background()
	paths := config.Paths{DataHome: t.TempDir()}
	src := gridio.NewDirectorySource(filepath.Join(paths.DataHome, "sources"))
	for y := first; y <= last; y++ {
		writeYear(t, src, Precipitation, y)
		writeYear(t, src, Evaporation, y)
	}

	catalog, err := artifact.OpenCatalog(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	pipe, err := New(Config{
		Paths:          paths,
		Source:         src,
		Store:          artifact.NewStore(filepath.Join(paths.DataHome, "output"), catalog, "run-1", nil),
		Estimator:      gamma.NewEstimator(gamma.MethodThom, 2, nil),
		Calculator:     spi.NewCalculator(spi.DefaultClip, nil),
		BiasCorrection: biascorrect.NewOrchestrator(bc, nil),
		Zonal:          zonal.Passthrough{},
		RunID:          "run-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{pipe: pipe, paths: paths, src: src}
}

func TestFitGammaAndComputeIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1999, 2012, biascorrect.Settings{})

	for _, v := range []string{SPI, SPEI} {
		params, path, err := f.pipe.FitGamma(ctx, GammaOptions{
			Region:        region,
			Variable:      v,
			BaselineStart: 2000,
			BaselineEnd:   2011,
		})
		if err != nil {
			t.Fatalf("FitGamma %s: %v", v, err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact %s: %v", path, err)
		}
		if params.Identity.Window != DefaultWindow || params.Method != gamma.MethodThom {
			t.Errorf("identity = %+v method %s", params.Identity, params.Method)
		}
		for c := 0; c < params.NumCells(); c++ {
			if !params.Fitted(c) {
				t.Errorf("%s cell %d not fitted", v, c)
			}
		}
	}

	var files []string
	for _, year := range []int{2005, 2006} {
		got, err := f.pipe.RunYear(ctx, RunYearOptions{Region: region, AdminLevel: 2, Year: year})
		if err != nil {
			t.Fatalf("RunYear %d: %v", year, err)
		}
		if len(got) != 2 {
			t.Fatalf("RunYear %d wrote %d files, want 2 without bias correction", year, len(got))
		}
		files = append(files, got...)
	}

	rows, err := stitch.ReadRows(files[0])
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if want := calendar.ISOWeeksInYear(2005) * len(lat) * len(lon); len(rows) != want {
		t.Fatalf("got %d rows, want %d", len(rows), want)
	}
	for _, r := range rows {
		if r.Metric != "spi" {
			t.Fatalf("metric = %q", r.Metric)
		}
		// The window reaches back into 2004, so the first weeks are complete.
		if math.IsNaN(r.Value) || math.Abs(r.Value) > spi.DefaultClip {
			t.Fatalf("value %v on %s out of range", r.Value, r.Date.Format(time.DateOnly))
		}
	}
	if y, w := calendar.ISOWeekOf(rows[0].Date); y != 2005 || w != 1 {
		t.Errorf("first row in ISO week %d-W%d", y, w)
	}

	grids, err := os.ReadDir(f.paths.Scratch(region, "era5"))
	if err != nil || len(grids) != 4 {
		t.Fatalf("scratch grids = %d, err %v", len(grids), err)
	}
	saved, err := gridio.Read(f.paths.Scratch(region, "era5", "VNM-2-2005-era5.spei.weekly.grid"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if saved.Attrs["run_id"] != "run-1" || saved.Attrs["bias_corrected"] != "false" || saved.Attrs["window"] != "6" {
		t.Errorf("attrs = %v", saved.Attrs)
	}

	res, err := f.pipe.Stitch(ctx, StitchOptions{Region: region, AdminLevel: 2})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !res.Concatenated || res.StartYear != 2005 || res.EndYear != 2006 {
		t.Errorf("result = %+v", res)
	}
	if !slices.Equal(res.Metrics, []string{"spei", "spi"}) {
		t.Errorf("metrics = %v", res.Metrics)
	}
}

func TestFitGamma_MissingYears(t *testing.T) {
	f := newFixture(t, 2000, 2010, biascorrect.Settings{})
	_, _, err := f.pipe.FitGamma(context.Background(), GammaOptions{
		Region:        region,
		Variable:      SPI,
		BaselineStart: 2000,
		BaselineEnd:   2010,
	})
	var cerr *faults.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if !slices.Equal(cerr.Missing, []string{"1999", "2011"}) {
		t.Errorf("missing = %v, want [1999 2011]", cerr.Missing)
	}
}

func TestComputeIndex_NoParameters(t *testing.T) {
	f := newFixture(t, 2004, 2006, biascorrect.Settings{})
	_, err := f.pipe.ComputeIndex(context.Background(), IndexOptions{
		Region:        region,
		Variable:      SPI,
		Year:          2005,
		BaselineStart: 1991,
		BaselineEnd:   2020,
	})
	if !errors.Is(err, faults.ErrArtifactNotFound) {
		t.Fatalf("err = %v, want artifact not found", err)
	}
	if !strings.Contains(err.Error(), "no gamma parameters found for key VNM/spi/window=6/baseline=1991-2020") {
		t.Errorf("message = %q", err)
	}
}

func TestComputeIndex_BiasCorrectionMissingReference(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "absent", "tp.grid")
	f := newFixture(t, 2004, 2006, biascorrect.Settings{
		Enabled:         true,
		ReferencePrecip: ref,
		HistoricalObs:   filepath.Join(dir, "obs"),
	})

	_, err := f.pipe.ComputeIndex(context.Background(), IndexOptions{
		Region:      region,
		AdminLevel:  2,
		Variable:    SPI,
		Year:        2005,
		BiasCorrect: true,
	})
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if !strings.Contains(err.Error(), ref) {
		t.Errorf("error %q does not name %s", err, ref)
	}
	if f.pipe.BiasCorrection().State() != biascorrect.Failed {
		t.Errorf("state = %s, want failed", f.pipe.BiasCorrection().State())
	}
	entries, err := os.ReadDir(f.pipe.OutputDir(region))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("output directory holds %d entries, want none", len(entries))
	}
}

func TestRunYear_BiasCorrectionMissingReference(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ref := filepath.Join(dir, "absent", "tp.grid")
	f := newFixture(t, 2004, 2006, biascorrect.Settings{
		Enabled:         true,
		ReferencePrecip: ref,
		HistoricalObs:   filepath.Join(dir, "obs"),
	})
	for _, v := range []string{SPI, SPEI} {
		if _, _, err := f.pipe.FitGamma(ctx, GammaOptions{Region: region, Variable: v, BaselineStart: 2005, BaselineEnd: 2005}); err != nil {
			t.Fatalf("FitGamma %s: %v", v, err)
		}
	}

	files, err := f.pipe.RunYear(ctx, RunYearOptions{Region: region, AdminLevel: 2, Year: 2005})
	if !errors.Is(err, faults.ErrConfiguration) || !strings.Contains(err.Error(), ref) {
		t.Fatalf("err = %v, want configuration error naming %s", err, ref)
	}
	if len(files) != 0 {
		t.Errorf("RunYear reported %v", files)
	}
	entries, err := os.ReadDir(f.pipe.OutputDir(region))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".csv") {
			t.Errorf("output written despite failed correction: %s", e.Name())
		}
	}
}

func TestComputeIndex_LatestWindowMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2004, 2006, biascorrect.Settings{})
	if _, _, err := f.pipe.FitGamma(ctx, GammaOptions{Region: region, Variable: SPI, BaselineStart: 2005, BaselineEnd: 2005}); err != nil {
		t.Fatalf("FitGamma: %v", err)
	}

	path, err := f.pipe.ComputeIndex(ctx, IndexOptions{Region: region, AdminLevel: 2, Variable: SPI, Year: 2005, Window: 4})
	var mismatch *faults.WindowMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("path %q, err = %v, want WindowMismatchError", path, err)
	}
	if mismatch.Parameters != DefaultWindow || mismatch.Aggregate != 4 {
		t.Errorf("mismatch = %+v", mismatch)
	}

	if _, err := f.pipe.ComputeIndex(ctx, IndexOptions{Region: region, AdminLevel: 2, Variable: SPI, Year: 2005, Window: DefaultWindow}); err != nil {
		t.Errorf("matching window: %v", err)
	}
}

// writeCorrectionInputs lays out weekly observations, reference precipitation
// and a historical forecast on the fixture grid. The reference is 20% wetter
// than the observations and forecasts are 20% drier.
func writeCorrectionInputs(t *testing.T, dir string) biascorrect.Settings {
	t.Helper()
	settings := biascorrect.Settings{
		Enabled:            true,
		ReferencePrecip:    filepath.Join(dir, "ref", "tp.grid"),
		HistoricalObs:      filepath.Join(dir, "obs"),
		HistoricalForecast: filepath.Join(dir, "forecast"),
	}
	times := make([]time.Time, 520)
	for i := range times {
		times[i] = calendar.ISOWeekStart(2000, 1).AddDate(0, 0, 7*i)
	}
	write := func(path, name string, scale float64) {
		s, err := grid.NewStack(name, calendar.Weekly, lat, lon, times)
		if err != nil {
			t.Fatalf("NewStack: %v", err)
		}
		r := rand.New(rand.NewPCG(42, 1))
		for ti := range times {
			for c := 0; c < s.NumCells(); c++ {
				s.Set(ti, c, scale*10*mathext.GammaIncRegInv(2, (r.Float64()*0.998)+0.001))
			}
		}
		if err := gridio.Write(path, s); err != nil {
			t.Fatalf("Write %s: %v", path, err)
		}
	}
	write(settings.ReferencePrecip, "tp", 1.2)
	for _, v := range biascorrect.ObservedVariables {
		write(filepath.Join(settings.HistoricalObs, v+".grid"), v, 1)
		write(filepath.Join(settings.HistoricalForecast, v+".grid"), v, 0.8)
	}
	return settings
}

func TestForecastIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1999, 2012, writeCorrectionInputs(t, t.TempDir()))

	if _, err := f.pipe.ForecastIndex(ctx, ForecastOptions{Region: region}); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("without inputs: err = %v, want configuration error", err)
	}

	reanalysis, err := f.src.Load(ctx, region, Precipitation, 2012)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reanalysis = reanalysis.Select(func(ts time.Time) bool { return !ts.Before(calendar.ISOWeekStart(2012, 49)) })
	forecast := func(week time.Time, v float64) *grid.Stack {
		s, err := grid.NewStack("tp", calendar.Weekly, lat, lon, []time.Time{week})
		if err != nil {
			t.Fatalf("NewStack: %v", err)
		}
		for c := 0; c < s.NumCells(); c++ {
			s.Set(0, c, v)
		}
		return s
	}
	opts := ForecastOptions{
		Region:     region,
		Reanalysis: reanalysis,
		Previous:   forecast(calendar.ISOWeekStart(2013, 1), 15),
		Projected:  forecast(calendar.ISOWeekStart(2013, 2), 25),
	}

	if _, err := f.pipe.ForecastIndex(ctx, opts); !errors.Is(err, faults.ErrArtifactNotFound) {
		t.Errorf("before fitting corrected parameters: err = %v, want artifact not found", err)
	}

	if _, _, err := f.pipe.FitGamma(ctx, GammaOptions{
		Region:        region,
		Variable:      SPI,
		BaselineStart: 2000,
		BaselineEnd:   2011,
		BiasCorrect:   true,
	}); err != nil {
		t.Fatalf("FitGamma: %v", err)
	}

	out, err := f.pipe.ForecastIndex(ctx, opts)
	if err != nil {
		t.Fatalf("ForecastIndex: %v", err)
	}
	if out.NumTimes() != 1 || !out.Times[0].Equal(opts.Projected.Times[0]) {
		t.Fatalf("index covers %v", out.Times)
	}
	for c := 0; c < out.NumCells(); c++ {
		if v := out.At(0, c); math.IsNaN(v) || math.Abs(v) > spi.DefaultClip {
			t.Errorf("cell %d = %v", c, v)
		}
	}
	if out.Attrs["metric"] != ForecastMetric || out.Attrs["bias_corrected"] != "true" || out.Attrs["window"] != "6" {
		t.Errorf("attrs = %v", out.Attrs)
	}
}

func TestCorrectedRequestedWhileDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2004, 2006, biascorrect.Settings{})

	if _, err := f.pipe.RunYear(ctx, RunYearOptions{Region: region, Year: 2005, Corrected: true}); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("RunYear: err = %v, want configuration error", err)
	}
	_, err := f.pipe.ComputeIndex(ctx, IndexOptions{Region: region, Variable: SPEI, Year: 2005, BiasCorrect: true})
	if !errors.Is(err, faults.ErrConfiguration) || !strings.Contains(err.Error(), "BC_ENABLE=1") {
		t.Errorf("ComputeIndex: err = %v", err)
	}
	_, err = f.pipe.ForecastIndex(ctx, ForecastOptions{Region: region, Reanalysis: &grid.Stack{}, Previous: &grid.Stack{}, Projected: &grid.Stack{}})
	if !errors.Is(err, faults.ErrConfiguration) || !strings.Contains(err.Error(), "BC_ENABLE=1") {
		t.Errorf("ForecastIndex: err = %v", err)
	}
}

type recordingSink struct {
	region string
	rows   []stitch.Row
}

func (s *recordingSink) Ingest(ctx context.Context, region string, rows []stitch.Row) (int, error) {
	s.region, s.rows = region, rows
	return len(rows), nil
}

func TestStitch_Ingest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2004, 2006, biascorrect.Settings{})
	if _, err := f.pipe.Stitch(ctx, StitchOptions{Region: region, Ingest: true}); err == nil {
		t.Fatal("Stitch with no outputs should fail")
	}

	dir := f.pipe.OutputDir(region)
	day := calendar.ISOWeekStart(2005, 1)
	for i, year := range []int{2005, 2006} {
		rows := []stitch.Row{{Date: day.AddDate(0, 0, 364*i), Zone: "z", Metric: "spi", Value: 0.5}}
		if _, err := stitch.WriteYear(dir, "VNM-1", year, "spi", calendar.Weekly, rows); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.pipe.Stitch(ctx, StitchOptions{Region: region, AdminLevel: 1, Ingest: true}); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("ingest without sink: err = %v", err)
	}

	sink := &recordingSink{}
	f.pipe.sink = sink
	if _, err := f.pipe.Stitch(ctx, StitchOptions{Region: region, AdminLevel: 1, Ingest: true}); err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if sink.region != "VNM-1" || len(sink.rows) != 2 {
		t.Errorf("sink got %s with %d rows", sink.region, len(sink.rows))
	}
}

func TestOptionsValidate(t *testing.T) {
	t.Run("gamma missing fields", func(t *testing.T) {
		_, err := GammaOptions{Variable: SPI}.Validate()
		var merr *faults.MissingParametersError
		if !errors.As(err, &merr) {
			t.Fatalf("err = %v", err)
		}
		if !slices.Equal(merr.Fields, []string{"region", "baseline_start", "baseline_end"}) {
			t.Errorf("fields = %v", merr.Fields)
		}
	})
	t.Run("gamma defaults", func(t *testing.T) {
		o, err := GammaOptions{Region: region, Variable: SPEI, BaselineStart: 2000, BaselineEnd: 2020}.Validate()
		if err != nil {
			t.Fatal(err)
		}
		if o.Window != 6 || o.Method != gamma.MethodThom {
			t.Errorf("defaults = %+v", o)
		}
	})

	tests := []struct {
		name string
		err  error
	}{
		{"unknown variable", func() error { _, err := GammaOptions{Region: region, Variable: "spx", BaselineStart: 1, BaselineEnd: 2}.Validate(); return err }()},
		{"inverted baseline", func() error { _, err := GammaOptions{Region: region, Variable: SPI, BaselineStart: 2020, BaselineEnd: 2000}.Validate(); return err }()},
		{"negative window", func() error { _, err := GammaOptions{Region: region, Variable: SPI, BaselineStart: 2000, BaselineEnd: 2020, Window: -1}.Validate(); return err }()},
		{"index without year", func() error { _, err := IndexOptions{Region: region, Variable: SPI}.Validate(); return err }()},
		{"index half baseline", func() error { _, err := IndexOptions{Region: region, Variable: SPI, Year: 2005, BaselineStart: 2000}.Validate(); return err }()},
		{"stitch without region", func() error { _, err := StitchOptions{}.Validate(); return err }()},
		{"stitch inverted", func() error { _, err := StitchOptions{Region: region, StartYear: 2010, EndYear: 2001}.Validate(); return err }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, faults.ErrConfiguration) {
				t.Errorf("err = %v, want configuration error", tt.err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	f := newFixture(t, 2004, 2004, biascorrect.Settings{})
	r := f.pipe.Registry()
	if r != f.pipe.Registry() {
		t.Error("Registry rebuilt on each call")
	}
	list, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range list {
		ids = append(ids, m.ID)
		if !m.Capabilities().Has(registry.Process) {
			t.Errorf("%s cannot process", m.ID)
		}
	}
	want := []string{
		"era5.collate",
		"era5.spei", "era5.spei.gamma",
		"era5.spei_corrected", "era5.spei_corrected.gamma",
		"era5.spi", "era5.spi.gamma",
		"era5.spi_corrected", "era5.spi_corrected.gamma",
	}
	if !slices.Equal(ids, want) {
		t.Errorf("ids = %v", ids)
	}
	if err := r.Register(registry.Metric{ID: "x"}); !errors.Is(err, registry.ErrFrozen) {
		t.Errorf("Register after build: err = %v", err)
	}

	m, err := r.Lookup("era5.spi.gamma")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Process(context.Background(), registry.Request{Region: region}); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("Process without baseline: err = %v", err)
	}
	if _, err := m.Process(context.Background(), registry.Request{Region: region, BaselineStart: 2000, BaselineEnd: 2001, Method: "lmoments"}); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("Process with unknown method: err = %v", err)
	}
}

func TestNew_MissingCollaborators(t *testing.T) {
	_, err := New(Config{Paths: config.Paths{DataHome: t.TempDir()}})
	var cerr *faults.ConfigurationError
	if !errors.As(err, &cerr) || len(cerr.Missing) != 5 {
		t.Errorf("err = %v", err)
	}
}
