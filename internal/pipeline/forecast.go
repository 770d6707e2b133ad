package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chrissnell/climatepipe/internal/biascorrect"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/grid"
)

// ForecastMetric is the index of a corrected forecast week.
const ForecastMetric = "era5.spi_corrected.forecast"

// ForecastOptions carry the weekly precipitation a forecast index is built
// from: at least four weeks of reanalysis, then one week each of the
// previous and the projected forecast.
type ForecastOptions struct {
	Region     string
	Reanalysis *grid.Stack
	Previous   *grid.Stack
	Projected  *grid.Stack
}

// ForecastIndex bias corrects the reanalysis weeks, assembles the six-week
// forecast window and evaluates it against the latest bias-corrected SPI
// parameters of the region. It returns the index of the projected week.
func (p *Pipeline) ForecastIndex(ctx context.Context, opts ForecastOptions) (*grid.Stack, error) {
	var missing []string
	if opts.Region == "" {
		missing = append(missing, "region")
	}
	if opts.Reanalysis == nil {
		missing = append(missing, "reanalysis")
	}
	if opts.Previous == nil {
		missing = append(missing, "previous")
	}
	if opts.Projected == nil {
		missing = append(missing, "projected")
	}
	if len(missing) > 0 {
		return nil, &faults.MissingParametersError{Metric: ForecastMetric, Fields: missing}
	}
	if err := p.requireCorrection(ctx, ForecastMetric); err != nil {
		return nil, err
	}

	params, err := p.store.Latest(ctx, opts.Region, SPI, true)
	if err != nil {
		return nil, err
	}
	if params.Identity.Window != biascorrect.ForecastWindow {
		return nil, &faults.WindowMismatchError{Parameters: params.Identity.Window, Aggregate: biascorrect.ForecastWindow}
	}

	reanalysis, err := p.bc.Correct(ctx, opts.Reanalysis)
	if err != nil {
		return nil, err
	}
	window, err := p.bc.AssembleForecastWindow(ctx, Precipitation, reanalysis, opts.Previous, opts.Projected)
	if err != nil {
		return nil, err
	}
	index, err := p.calc.Compute(ctx, window, params)
	if err != nil {
		return nil, err
	}

	week := opts.Projected.Times[0]
	out := index.Select(func(t time.Time) bool { return t.Equal(week) })
	if out == nil {
		return nil, fmt.Errorf("forecast index has no value for %s", week.Format(time.DateOnly))
	}
	out.Attrs["region"] = opts.Region
	out.Attrs["metric"] = ForecastMetric
	out.Attrs["bias_corrected"] = strconv.FormatBool(true)
	if p.runID != "" {
		out.Attrs["run_id"] = p.runID
	}
	p.logger.Infow("computed forecast index",
		"region", opts.Region,
		"week", week.Format(time.DateOnly),
		"gamma_key", params.Identity.Key(),
	)
	return out, nil
}
