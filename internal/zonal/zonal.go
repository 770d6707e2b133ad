// Package zonal turns gridded stacks into tabular rows. Real zonal
// statistics over administrative boundaries are computed by an external
// engine; this package carries the gridded passthrough used when no
// boundaries are configured.
package zonal

import (
	"context"

	"github.com/chrissnell/climatepipe/internal/grid"
	"github.com/chrissnell/climatepipe/internal/stitch"
)

// Passthrough emits one row per grid cell and time step, named by the cell
// coordinates. Rows are ordered by time, then by cell.
type Passthrough struct{}

// Aggregate converts s into rows labelled with metric.
func (Passthrough) Aggregate(ctx context.Context, s *grid.Stack, metric string) ([]stitch.Row, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	zones := make([]string, s.NumCells())
	for c := range zones {
		zones[c] = s.Cell(c).String()
	}
	rows := make([]stitch.Row, 0, s.NumTimes()*s.NumCells())
	for t, ts := range s.Times {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c, zone := range zones {
			rows = append(rows, stitch.Row{Date: ts, Zone: zone, Metric: metric, Value: s.At(t, c)})
		}
	}
	return rows, nil
}
