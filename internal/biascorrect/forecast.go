package biascorrect

import (
	"context"
	"time"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/grid"
)

const (
	// ReanalysisWeeks is how many trailing weeks of reanalysis a forecast
	// window keeps.
	ReanalysisWeeks = 4

	// ForecastWindow is the length of an assembled forecast window: four
	// weeks of reanalysis, the corrected forecast of the previous week that
	// covers the reanalysis reporting lag, and the projected week.
	ForecastWindow = ReanalysisWeeks + 2
)

// AssembleForecastWindow builds the contiguous weekly input of a forecast
// index. reanalysis must be weekly with at least ReanalysisWeeks steps;
// previous and projected are single-week forecasts of the same variable for
// the two weeks that follow it. Both forecasts are bias corrected before they
// are appended.
func (o *Orchestrator) AssembleForecastWindow(ctx context.Context, variable string, reanalysis, previous, projected *grid.Stack) (*grid.Windowed, error) {
	if reanalysis.Resolution != calendar.Weekly || previous.Resolution != calendar.Weekly || projected.Resolution != calendar.Weekly {
		return nil, faults.Configf("forecast window needs weekly inputs")
	}
	if reanalysis.NumTimes() < ReanalysisWeeks {
		return nil, faults.Configf("forecast window needs %d weeks of reanalysis, got %d", ReanalysisWeeks, reanalysis.NumTimes())
	}
	if previous.NumTimes() != 1 || projected.NumTimes() != 1 {
		return nil, faults.Configf("forecast window needs exactly one week each of previous and projected forecast, got %d and %d",
			previous.NumTimes(), projected.NumTimes())
	}
	last := reanalysis.Times[reanalysis.NumTimes()-1]
	if want := last.AddDate(0, 0, 7); !previous.Times[0].Equal(want) {
		return nil, faults.Configf("previous week forecast starts %s, want %s", previous.Times[0].Format(time.DateOnly), want.Format(time.DateOnly))
	}
	if want := last.AddDate(0, 0, 14); !projected.Times[0].Equal(want) {
		return nil, faults.Configf("projected forecast starts %s, want %s", projected.Times[0].Format(time.DateOnly), want.Format(time.DateOnly))
	}

	prev, err := o.CorrectForecast(ctx, variable, previous)
	if err != nil {
		return nil, err
	}
	next, err := o.CorrectForecast(ctx, variable, projected)
	if err != nil {
		return nil, err
	}

	tail := reanalysis.Select(func(t time.Time) bool {
		return !t.Before(last.AddDate(0, 0, -7*(ReanalysisWeeks-1)))
	})
	tail.Name = prev.Name
	joined, err := grid.Concat(tail, prev, next)
	if err != nil {
		return nil, err
	}
	if joined.NumTimes() != ForecastWindow {
		return nil, faults.Configf("assembled forecast window has %d weeks, want %d", joined.NumTimes(), ForecastWindow)
	}
	joined.Attrs["bias_corrected"] = "true"
	joined.Attrs["forecast_window"] = "reanalysis:4,corrected_forecast:1,projected_forecast:1"
	return grid.Rolling(joined, ForecastWindow)
}
