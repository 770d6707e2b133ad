// Package spi transforms windowed aggregates into standardised precipitation
// (SPI) or precipitation-evapotranspiration (SPEI) index values using fitted
// gamma parameters.
package spi

import (
	"context"
	"math"
	"runtime"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/gamma"
	"github.com/chrissnell/climatepipe/internal/grid"
	"github.com/chrissnell/climatepipe/internal/metrics"
)

const (
	// DefaultClip bounds index values; it is the standard normal quantile of 0.999.
	DefaultClip = 3.09

	// MinProbability keeps cumulative probabilities away from 0 and 1 so the
	// normal quantile stays finite.
	MinProbability = 1e-6
)

// Calculator evaluates the index for every cell and time step.
type Calculator struct {
	clip    float64
	workers int
	logger  *zap.SugaredLogger
}

// NewCalculator returns a calculator that clips index values to [-clip, clip].
// A clip of zero disables clipping.
func NewCalculator(clip float64, logger *zap.SugaredLogger) *Calculator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Calculator{clip: math.Abs(clip), workers: runtime.NumCPU(), logger: logger}
}

// WithWorkers returns a copy of c that indexes cells on n workers. n <= 0
// means one worker per CPU.
func (c *Calculator) WithWorkers(n int) *Calculator {
	out := *c
	if n <= 0 {
		n = runtime.NumCPU()
	}
	out.workers = n
	return &out
}

// Probability returns the mixed-distribution cumulative probability of x:
// q + (1-q)*G(x) for positive x, and q/2 otherwise. The second return value
// reports whether the result had to be clamped.
func Probability(x, alpha, beta, q float64) (float64, bool) {
	if math.IsNaN(x) || math.IsNaN(alpha) || math.IsNaN(beta) || math.IsNaN(q) {
		return math.NaN(), false
	}
	var p float64
	if x > 0 {
		p = q + (1-q)*mathext.GammaIncReg(alpha, x/beta)
	} else {
		p = q / 2
	}
	switch {
	case p < MinProbability:
		return MinProbability, true
	case p > 1-MinProbability:
		return 1 - MinProbability, true
	}
	return p, false
}

// Value transforms one aggregate into an index value.
func (c *Calculator) Value(x, alpha, beta, q float64) (float64, bool) {
	p, clamped := Probability(x, alpha, beta, q)
	if math.IsNaN(p) {
		return math.NaN(), false
	}
	z := distuv.UnitNormal.Quantile(p)
	if c.clip > 0 {
		z = math.Max(-c.clip, math.Min(c.clip, z))
	}
	return z, clamped
}

// Compute returns a stack of index values with the shape of agg. The window
// of agg must equal the window the parameters were fitted with, and both must
// share the same grid. Cells without parameters and missing aggregates yield NaN.
func (c *Calculator) Compute(ctx context.Context, agg *grid.Windowed, params *gamma.Parameters) (*grid.Stack, error) {
	if agg.Window != params.Identity.Window {
		return nil, &faults.WindowMismatchError{Parameters: params.Identity.Window, Aggregate: agg.Window}
	}
	if err := params.Validate(); err != nil {
		return nil, faults.Configf("%v", err)
	}
	if !sameAxis(agg.Lat, params.Lat) || !sameAxis(agg.Lon, params.Lon) {
		return nil, faults.Configf("aggregate %q and gamma parameters %s are on different grids",
			agg.Name, params.Identity.Key())
	}

	name := params.Identity.IndexName()
	out := agg.Stack.Clone()
	out.Name = name

	// Workers write disjoint columns of out.
	var computed, missing, clamped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range grid.Partition(agg.NumCells(), c.workers) {
		g.Go(func() error {
			col := make([]float64, agg.NumTimes())
			var nComputed, nMissing, nClamped int64
			for cell := r.Lo; cell < r.Hi; cell++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				agg.Column(col, cell)
				alpha, beta, q := params.At(cell)
				for t, x := range col {
					v, wasClamped := c.Value(x, alpha, beta, q)
					if wasClamped {
						nClamped++
					}
					if math.IsNaN(v) {
						nMissing++
					} else {
						nComputed++
					}
					col[t] = v
				}
				out.SetColumn(cell, col)
			}
			computed.Add(nComputed)
			missing.Add(nMissing)
			clamped.Add(nClamped)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if clamped.Load() > 0 {
		c.logger.Debugw("clamped cumulative probabilities",
			"index", name,
			"count", clamped.Load(),
			"error", faults.ErrNumericalDomain,
		)
	}
	metrics.IndexValuesTotal.WithLabelValues(name, "computed").Add(float64(computed.Load()))
	metrics.IndexValuesTotal.WithLabelValues(name, "missing").Add(float64(missing.Load()))
	metrics.ProbabilityClampedTotal.WithLabelValues(name).Add(float64(clamped.Load()))

	out.Attrs["index"] = name
	out.Attrs["window"] = strconv.Itoa(agg.Window)
	out.Attrs["gamma_key"] = params.Identity.Key()
	out.Attrs["gamma_method"] = string(params.Method)
	out.Attrs["baseline"] = strconv.Itoa(params.Identity.BaselineStart) + "-" + strconv.Itoa(params.Identity.BaselineEnd)
	if c.clip > 0 {
		out.Attrs["clip"] = strconv.FormatFloat(c.clip, 'g', -1, 64)
	}
	return out, nil
}

func sameAxis(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
