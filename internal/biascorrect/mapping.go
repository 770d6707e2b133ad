package biascorrect

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/grid"
)

// DefaultClipPercentile caps both distributions before mapping.
const DefaultClipPercentile = 0.99

// minSamples is the fewest values a cell distribution needs to be mapped.
const minSamples = 2

// Mapping is an empirical quantile mapping built per grid cell: a value's
// rank in the source distribution selects the same quantile of the target
// distribution.
type Mapping struct {
	variable    string
	resolution  calendar.Resolution
	lat, lon    []float64
	source      [][]float64 // sorted, clipped
	target      [][]float64 // sorted, clipped
	nonNegative bool
}

// NewMapping builds a mapping from source to target. Both stacks must share
// the grid and the resolution, and overlap in time. Precipitation ("tp") mappings keep
// non-positive values at zero.
func NewMapping(variable string, source, target *grid.Stack, clipPercentile float64) (*Mapping, error) {
	if clipPercentile <= 0 || clipPercentile > 1 {
		return nil, faults.Configf("clip percentile must be in (0, 1], got %v", clipPercentile)
	}
	if source.Resolution != target.Resolution {
		return nil, faults.Configf("%s: %q is %s but %q is %s", variable,
			source.Name, source.Resolution, target.Name, target.Resolution)
	}
	if !source.SameGrid(target) {
		return nil, faults.Configf("%s: %q and %q are on different grids", variable, source.Name, target.Name)
	}
	if !overlaps(source, target) {
		return nil, faults.Configf("%s: %q (%s to %s) and %q (%s to %s) do not overlap in time", variable,
			source.Name, source.Times[0].Format("2006-01-02"), source.Times[len(source.Times)-1].Format("2006-01-02"),
			target.Name, target.Times[0].Format("2006-01-02"), target.Times[len(target.Times)-1].Format("2006-01-02"))
	}
	n := source.NumCells()
	m := &Mapping{
		variable:    variable,
		resolution:  source.Resolution,
		lat:         append([]float64(nil), source.Lat...),
		lon:         append([]float64(nil), source.Lon...),
		source:      make([][]float64, n),
		target:      make([][]float64, n),
		nonNegative: variable == "tp",
	}
	for c := 0; c < n; c++ {
		m.source[c] = clippedSorted(source.Column(nil, c), clipPercentile)
		m.target[c] = clippedSorted(target.Column(nil, c), clipPercentile)
	}
	return m, nil
}

func overlaps(a, b *grid.Stack) bool {
	if len(a.Times) == 0 || len(b.Times) == 0 {
		return false
	}
	return !a.Times[len(a.Times)-1].Before(b.Times[0]) && !b.Times[len(b.Times)-1].Before(a.Times[0])
}

// clippedSorted drops NaN, sorts and caps values at the given percentile.
func clippedSorted(values []float64, percentile float64) []float64 {
	out := values[:0]
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	if len(out) < minSamples {
		return nil
	}
	sort.Float64s(out)
	limit := stat.Quantile(percentile, stat.Empirical, out, nil)
	for i := len(out) - 1; i >= 0 && out[i] > limit; i-- {
		out[i] = limit
	}
	return out
}

// Map transforms x at cell c. Cells without enough data in either
// distribution, and NaN inputs, yield NaN.
func (m *Mapping) Map(c int, x float64) float64 {
	src, tgt := m.source[c], m.target[c]
	if math.IsNaN(x) || src == nil || tgt == nil {
		return math.NaN()
	}
	if m.nonNegative && x <= 0 {
		return 0
	}
	x = math.Min(x, src[len(src)-1])
	p := stat.CDF(x, stat.Empirical, src, nil)
	v := stat.Quantile(p, stat.Empirical, tgt, nil)
	if m.nonNegative && v < 0 {
		v = 0
	}
	return v
}

// Apply maps every value of s and returns a new stack tagged as corrected.
// s must have the resolution the mapping was built at.
func (m *Mapping) Apply(s *grid.Stack) (*grid.Stack, error) {
	if s.Resolution != m.resolution {
		return nil, faults.Configf("%q is %s but the %s bias correction was built from %s data",
			s.Name, s.Resolution, m.variable, m.resolution)
	}
	if !sameAxis(s.Lat, m.lat) || !sameAxis(s.Lon, m.lon) {
		return nil, faults.Configf("%q is not on the grid of the %s bias correction", s.Name, m.variable)
	}
	out := s.Clone()
	out.Name = s.Name + "_corrected"
	col := make([]float64, s.NumTimes())
	for c := 0; c < s.NumCells(); c++ {
		s.Column(col, c)
		for t, x := range col {
			col[t] = m.Map(c, x)
		}
		out.SetColumn(c, col)
	}
	out.Attrs["bias_corrected"] = "true"
	out.Attrs["bias_correction"] = "empirical quantile mapping"
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
