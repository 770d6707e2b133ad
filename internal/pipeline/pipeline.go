// Package pipeline runs the gamma, index and stitch stages for a region:
// sources are checked for availability, loaded, resampled to ISO weeks,
// optionally bias corrected, fitted or indexed, and written out per year.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/chrissnell/climatepipe/internal/biascorrect"
	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/gamma"
	"github.com/chrissnell/climatepipe/internal/grid"
	"github.com/chrissnell/climatepipe/internal/gridio"
	"github.com/chrissnell/climatepipe/internal/registry"
	"github.com/chrissnell/climatepipe/internal/spi"
	"github.com/chrissnell/climatepipe/internal/stitch"
	"github.com/chrissnell/climatepipe/pkg/config"
)

// Source variables.
const (
	Precipitation = "tp"
	Evaporation   = "e"
)

// Source loads one year of a variable for a region.
type Source interface {
	Load(ctx context.Context, region, variable string, year int) (*grid.Stack, error)
	Available(region, variable string, year int) bool
}

// ZonalEngine reduces a stack to tabular rows.
type ZonalEngine interface {
	Aggregate(ctx context.Context, s *grid.Stack, metric string) ([]stitch.Row, error)
}

// ParameterStore persists gamma parameters.
type ParameterStore interface {
	Save(ctx context.Context, p *gamma.Parameters) (string, error)
	Load(ctx context.Context, id gamma.Identity) (*gamma.Parameters, error)
	Latest(ctx context.Context, region, variable string, biasCorrected bool) (*gamma.Parameters, error)
}

// RowSink receives stitched rows.
type RowSink interface {
	Ingest(ctx context.Context, region string, rows []stitch.Row) (int, error)
}

// Config holds the collaborators of a Pipeline. Sink is optional.
type Config struct {
	Paths          config.Paths
	Source         Source
	Store          ParameterStore
	Estimator      *gamma.Estimator
	Calculator     *spi.Calculator
	BiasCorrection *biascorrect.Orchestrator
	Zonal          ZonalEngine
	Sink           RowSink
	RunID          string
	Logger         *zap.SugaredLogger
}

// Pipeline runs the processing stages.
type Pipeline struct {
	paths     config.Paths
	source    Source
	store     ParameterStore
	estimator *gamma.Estimator
	calc      *spi.Calculator
	bc        *biascorrect.Orchestrator
	zonal     ZonalEngine
	sink      RowSink
	runID     string
	logger    *zap.SugaredLogger
	registry  *registry.Registry
}

// New validates cfg and returns a Pipeline with its metric registry built.
func New(cfg Config) (*Pipeline, error) {
	var missing []string
	if cfg.Paths.DataHome == "" {
		missing = append(missing, "paths")
	}
	if cfg.Source == nil {
		missing = append(missing, "source")
	}
	if cfg.Store == nil {
		missing = append(missing, "store")
	}
	if cfg.Estimator == nil {
		missing = append(missing, "estimator")
	}
	if cfg.Calculator == nil {
		missing = append(missing, "calculator")
	}
	if cfg.Zonal == nil {
		missing = append(missing, "zonal")
	}
	if len(missing) > 0 {
		return nil, &faults.ConfigurationError{Msg: "pipeline is missing collaborators", Missing: missing}
	}
	if cfg.BiasCorrection == nil {
		cfg.BiasCorrection = biascorrect.NewOrchestrator(biascorrect.Settings{}, cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	p := &Pipeline{
		paths:     cfg.Paths,
		source:    cfg.Source,
		store:     cfg.Store,
		estimator: cfg.Estimator,
		calc:      cfg.Calculator,
		bc:        cfg.BiasCorrection,
		zonal:     cfg.Zonal,
		sink:      cfg.Sink,
		runID:     cfg.RunID,
		logger:    cfg.Logger,
	}
	reg, err := p.buildRegistry()
	if err != nil {
		return nil, err
	}
	p.registry = reg
	return p, nil
}

// BiasCorrection returns the bias correction orchestrator.
func (p *Pipeline) BiasCorrection() *biascorrect.Orchestrator { return p.bc }

// OutputDir returns the directory holding per-year outputs for region.
func (p *Pipeline) OutputDir(region string) string {
	return p.paths.Output(region, "era5")
}

func regionWithAdmin(region string, adminLevel int) string {
	return region + "-" + strconv.Itoa(adminLevel)
}

func sourceVariables(variable string) []string {
	if variable == SPEI {
		return []string{Precipitation, Evaporation}
	}
	return []string{Precipitation}
}

// CheckAvailability verifies that every year of the padded window around
// [start, end] is available for the source variables of an index.
func (p *Pipeline) CheckAvailability(region, variable string, start, end int) (calendar.FetchWindow, error) {
	fw, err := calendar.ExpandForISOWeekAlignment(start, end)
	if err != nil {
		return fw, err
	}
	for _, v := range sourceVariables(variable) {
		var missing []string
		for _, y := range fw.Years() {
			if !p.source.Available(region, v, y) {
				missing = append(missing, strconv.Itoa(y))
			}
		}
		if len(missing) > 0 {
			return fw, &faults.ConfigurationError{
				Msg:     fmt.Sprintf("%s for %s %s is missing years needed to align ISO weeks", v, region, fw),
				Missing: missing,
			}
		}
	}
	return fw, nil
}

// loadVariable concatenates the years of variable and resamples them to ISO
// weeks. Precipitation and evaporation are accumulations, so weeks are sums.
func (p *Pipeline) loadVariable(ctx context.Context, region, variable string, years []int) (*grid.Stack, error) {
	stacks := make([]*grid.Stack, 0, len(years))
	for _, y := range years {
		s, err := p.source.Load(ctx, region, variable, y)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s %d for %s: %w", variable, y, region, err)
		}
		stacks = append(stacks, s)
	}
	joined, err := grid.Concat(stacks...)
	if err != nil {
		return nil, err
	}
	return grid.WeeklyReduce(joined, grid.ReduceSum)
}

// loadInput returns the weekly series an index is fitted on: precipitation
// for SPI and the precipitation minus evaporation balance for SPEI.
// Precipitation is bias corrected first when corrected is set.
func (p *Pipeline) loadInput(ctx context.Context, region, variable string, years []int, corrected bool) (*grid.Stack, error) {
	precip, err := p.loadVariable(ctx, region, Precipitation, years)
	if err != nil {
		return nil, err
	}
	if corrected {
		if precip, err = p.bc.Correct(ctx, precip); err != nil {
			return nil, err
		}
	}
	if variable != SPEI {
		return precip, nil
	}
	evap, err := p.loadVariable(ctx, region, Evaporation, years)
	if err != nil {
		return nil, err
	}
	return grid.Balance(precip, evap)
}

// requireCorrection fails unless bias correction is enabled and prepared.
func (p *Pipeline) requireCorrection(ctx context.Context, what string) error {
	if !p.bc.Enabled() {
		return faults.Configf("%s requested with bias correction, but bias correction is disabled (set BC_ENABLE=1)", what)
	}
	return p.bc.Prepare(ctx)
}

// FitGamma fits gamma parameters over the baseline in opts and saves them,
// returning the saved parameters and the artifact path.
func (p *Pipeline) FitGamma(ctx context.Context, opts GammaOptions) (*gamma.Parameters, string, error) {
	opts, err := opts.Validate()
	if err != nil {
		return nil, "", err
	}
	id := opts.Identity()
	if opts.BiasCorrect {
		if err := p.requireCorrection(ctx, id.Metric()); err != nil {
			return nil, "", err
		}
	}
	fw, err := p.CheckAvailability(opts.Region, opts.Variable, opts.BaselineStart, opts.BaselineEnd)
	if err != nil {
		return nil, "", err
	}
	input, err := p.loadInput(ctx, opts.Region, opts.Variable, fw.Years(), opts.BiasCorrect)
	if err != nil {
		return nil, "", err
	}

	estimator := p.estimator
	if opts.Method != estimator.Method() {
		estimator = estimator.WithMethod(opts.Method)
	}
	params, err := estimator.Fit(ctx, input, id)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fit %s: %w", id.Key(), err)
	}
	path, err := p.store.Save(ctx, params)
	if err != nil {
		return nil, "", err
	}
	p.logger.Infow("saved gamma parameters", "key", id.Key(), "path", path, "fetch_window", fw.String())
	return params, path, nil
}

// parameters loads the gamma parameters an index run evaluates against. A
// requested window must match the window the latest parameters were fitted
// with.
func (p *Pipeline) parameters(ctx context.Context, opts IndexOptions) (*gamma.Parameters, error) {
	if opts.BaselineStart == 0 {
		params, err := p.store.Latest(ctx, opts.Region, opts.Variable, opts.BiasCorrect)
		if err != nil {
			return nil, err
		}
		if opts.Window != 0 && params.Identity.Window != opts.Window {
			return nil, &faults.WindowMismatchError{Parameters: params.Identity.Window, Aggregate: opts.Window}
		}
		return params, nil
	}
	return p.store.Load(ctx, gamma.Identity{
		Region:        opts.Region,
		Variable:      opts.Variable,
		Window:        opts.Window,
		BaselineStart: opts.BaselineStart,
		BaselineEnd:   opts.BaselineEnd,
		BiasCorrected: opts.BiasCorrect,
	})
}

// ComputeIndex computes the index in opts for one year and writes the weekly
// rows of that year, returning the written path. The trailing weeks of the
// previous year feed the first windows of the year.
func (p *Pipeline) ComputeIndex(ctx context.Context, opts IndexOptions) (string, error) {
	opts, err := opts.Validate()
	if err != nil {
		return "", err
	}
	if opts.BiasCorrect {
		if err := p.requireCorrection(ctx, "era5."+opts.Variable+"_corrected"); err != nil {
			return "", err
		}
	}
	params, err := p.parameters(ctx, opts)
	if err != nil {
		return "", err
	}
	id := params.Identity

	fw, err := p.CheckAvailability(opts.Region, opts.Variable, opts.Year, opts.Year)
	if err != nil {
		return "", err
	}
	input, err := p.loadInput(ctx, opts.Region, opts.Variable, fw.Years(), opts.BiasCorrect)
	if err != nil {
		return "", err
	}
	windowed, err := grid.Rolling(input, id.Window)
	if err != nil {
		return "", err
	}
	index, err := p.calc.Compute(ctx, windowed, params)
	if err != nil {
		return "", err
	}
	year := index.SelectISOYears(opts.Year, opts.Year)
	if year == nil {
		return "", faults.Configf("no weeks of ISO year %d in %s input", opts.Year, opts.Region)
	}

	metric := id.IndexName()
	year.Attrs["history"] = id.History()
	year.Attrs["region"] = opts.Region
	year.Attrs["metric"] = "era5." + metric
	year.Attrs["bias_corrected"] = strconv.FormatBool(id.BiasCorrected)
	if p.runID != "" {
		year.Attrs["run_id"] = p.runID
	}

	region := regionWithAdmin(opts.Region, opts.AdminLevel)
	scratch := p.paths.Scratch(opts.Region, "era5", fmt.Sprintf("%s-%d-era5.%s.weekly.grid", region, opts.Year, metric))
	if err := gridio.Write(scratch, year); err != nil {
		return "", err
	}
	rows, err := p.zonal.Aggregate(ctx, year, metric)
	if err != nil {
		return "", fmt.Errorf("zonal statistics failed for %s: %w", metric, err)
	}
	path, err := stitch.WriteYear(p.OutputDir(opts.Region), region, opts.Year, metric, calendar.Weekly, rows)
	if err != nil {
		return "", err
	}
	p.logger.Infow("computed index",
		"metric", metric,
		"year", opts.Year,
		"gamma_key", id.Key(),
		"rows", len(rows),
		"path", path,
	)
	return path, nil
}

// RunYearOptions select the year every index metric is computed for.
// Corrected requests the bias-corrected variants explicitly; they are also
// computed whenever bias correction is enabled.
type RunYearOptions struct {
	Region     string
	AdminLevel int
	Year       int
	Corrected  bool
}

// RunYear computes SPI and SPEI for a year, plus their corrected variants
// when bias correction is enabled, and returns the written paths.
func (p *Pipeline) RunYear(ctx context.Context, opts RunYearOptions) ([]string, error) {
	if opts.Corrected && !p.bc.Enabled() {
		return nil, faults.Configf("corrected indices requested, but bias correction is disabled (set BC_ENABLE=1)")
	}
	// Correction inputs are checked before any index of the year is written.
	if err := p.bc.Prepare(ctx); err != nil {
		return nil, err
	}
	var files []string
	for _, corrected := range []bool{false, true} {
		if corrected && !p.bc.Enabled() {
			p.logger.Infof("bias correction disabled; skipping corrected indices for %d", opts.Year)
			continue
		}
		for _, v := range []string{SPI, SPEI} {
			path, err := p.ComputeIndex(ctx, IndexOptions{
				Region:      opts.Region,
				AdminLevel:  opts.AdminLevel,
				Variable:    v,
				Year:        opts.Year,
				BiasCorrect: corrected,
			})
			if err != nil {
				return files, err
			}
			files = append(files, path)
		}
	}
	return files, nil
}

// Stitch assembles the per-year outputs of a region, ingesting the stitched
// weekly rows into the sink when requested.
func (p *Pipeline) Stitch(ctx context.Context, opts StitchOptions) (*stitch.Result, error) {
	opts, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	region := regionWithAdmin(opts.Region, opts.AdminLevel)
	res, err := stitch.NewStitcher(p.OutputDir(opts.Region), p.logger).
		Stitch(ctx, region, opts.StartYear, opts.EndYear, opts.Resolution)
	if err != nil {
		return nil, err
	}
	if !opts.Ingest {
		return res, nil
	}
	if p.sink == nil {
		return res, faults.Configf("ingestion requested but no sink is configured (sink.postgres)")
	}
	if !res.Concatenated {
		return res, errors.New("only stitched weekly outputs can be ingested")
	}
	rows, err := stitch.ReadRows(res.Files[0])
	if err != nil {
		return res, err
	}
	if _, err := p.sink.Ingest(ctx, region, rows); err != nil {
		return res, err
	}
	return res, nil
}
