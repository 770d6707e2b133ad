// Package gamma fits two-parameter gamma distributions to windowed
// precipitation (or precipitation minus evaporation) per grid cell.
package gamma

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/grid"
	"github.com/chrissnell/climatepipe/internal/metrics"
)

// MinSamples is the fewest non-missing windowed values a cell needs.
const MinSamples = 2

// RecommendedBaselineYears is the shortest baseline that is not warned about.
const RecommendedBaselineYears = 15

// Fit is the outcome of fitting one cell.
type Fit struct {
	Alpha    float64
	Beta     float64
	ZeroProb float64
}

var unfit = Fit{Alpha: math.NaN(), Beta: math.NaN(), ZeroProb: math.NaN()}

// FitSample fits a gamma distribution to the positive values of sample and
// records the fraction of non-positive values as the probability of zero.
// NaN values are ignored. Empty, all-zero or constant samples return NaN
// parameters and an error wrapping faults.ErrInsufficientData.
func FitSample(sample []float64, method Method) (Fit, error) {
	var positive []float64
	valid := 0
	for _, v := range sample {
		if math.IsNaN(v) {
			continue
		}
		valid++
		if v > 0 {
			positive = append(positive, v)
		}
	}
	if valid < MinSamples || len(positive) < MinSamples {
		return unfit, faults.ErrInsufficientData
	}
	if floats.Max(positive) == floats.Min(positive) {
		return unfit, faults.ErrInsufficientData
	}
	q := float64(valid-len(positive)) / float64(valid)

	var alpha, beta float64
	switch method {
	case MethodMoments:
		mean, variance := stat.MeanVariance(positive, nil)
		if variance <= 0 {
			return unfit, faults.ErrInsufficientData
		}
		alpha = mean * mean / variance
		beta = variance / mean
	default:
		mean := stat.Mean(positive, nil)
		var sumLog float64
		for _, v := range positive {
			sumLog += math.Log(v)
		}
		a := math.Log(mean) - sumLog/float64(len(positive))
		if !(a > 0) {
			return unfit, faults.ErrInsufficientData
		}
		alpha = (1 + math.Sqrt(1+4*a/3)) / (4 * a)
		beta = mean / alpha
	}
	if !(alpha > 0) || !(beta > 0) || math.IsInf(alpha, 0) || math.IsInf(beta, 0) {
		return unfit, faults.ErrInsufficientData
	}
	return Fit{Alpha: alpha, Beta: beta, ZeroProb: q}, nil
}

// Estimator fits gamma parameters for every cell of a grid.
type Estimator struct {
	method  Method
	workers int
	logger  *zap.SugaredLogger
}

// NewEstimator returns an estimator. workers <= 0 means one worker per CPU.
func NewEstimator(method Method, workers int, logger *zap.SugaredLogger) *Estimator {
	if method == "" {
		method = MethodThom
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Estimator{method: method, workers: workers, logger: logger}
}

// Method returns the estimation method.
func (e *Estimator) Method() Method { return e.method }

// WithMethod returns a copy of e using method.
func (e *Estimator) WithMethod(method Method) *Estimator {
	return NewEstimator(method, e.workers, e.logger)
}

// Fit computes the trailing windowed sum of input over id.Window periods,
// restricts it to the baseline years and fits each cell independently.
// input must already include the periods preceding the baseline so that the
// first baseline window is complete.
func (e *Estimator) Fit(ctx context.Context, input *grid.Stack, id Identity) (*Parameters, error) {
	if id.Window < 1 {
		return nil, faults.Configf("gamma window must be at least 1, got %d", id.Window)
	}
	if id.BaselineStart > id.BaselineEnd {
		return nil, &faults.RangeError{Start: id.BaselineStart, End: id.BaselineEnd}
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if span := id.BaselineEnd - id.BaselineStart; span < RecommendedBaselineYears {
		e.logger.Warnf("baseline %d-%d spans fewer than %d years; gamma estimates may be unstable",
			id.BaselineStart, id.BaselineEnd, RecommendedBaselineYears)
	}

	windowed, err := grid.Rolling(input, id.Window)
	if err != nil {
		return nil, err
	}
	var baseline *grid.Stack
	if input.Resolution == calendar.Weekly {
		baseline = windowed.SelectISOYears(id.BaselineStart, id.BaselineEnd)
	} else {
		baseline = windowed.SelectYears(id.BaselineStart, id.BaselineEnd)
	}
	if baseline == nil {
		return nil, faults.Configf("input %q has no data in baseline %d-%d", input.Name, id.BaselineStart, id.BaselineEnd)
	}

	n := baseline.NumCells()
	params := &Parameters{
		Identity: id,
		Method:   e.method,
		Lat:      append([]float64(nil), baseline.Lat...),
		Lon:      append([]float64(nil), baseline.Lon...),
		Alpha:    make([]float64, n),
		Beta:     make([]float64, n),
		ZeroProb: make([]float64, n),
		Attrs: map[string]string{
			"history": id.History(),
			"metric":  id.Metric(),
			"region":  id.Region,
			"method":  string(e.method),
		},
	}

	var unfitCells atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range grid.Partition(n, e.workers) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			col := make([]float64, baseline.NumTimes())
			for c := r.Lo; c < r.Hi; c++ {
				baseline.Column(col, c)
				fit, err := FitSample(col, e.method)
				if err != nil {
					if !errors.Is(err, faults.ErrInsufficientData) {
						return err
					}
					unfitCells.Add(1)
				}
				params.Alpha[c], params.Beta[c], params.ZeroProb[c] = fit.Alpha, fit.Beta, fit.ZeroProb
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bad := int(unfitCells.Load())
	metrics.GammaCellsTotal.WithLabelValues(id.Variable, "fitted").Add(float64(n - bad))
	metrics.GammaCellsTotal.WithLabelValues(id.Variable, "unfit").Add(float64(bad))
	e.logger.Infow("fitted gamma parameters",
		"key", id.Key(),
		"method", e.method,
		"cells", n,
		"unfit", bad,
		"periods", baseline.NumTimes(),
	)
	return params, nil
}
