// Package grid holds gridded, time-stacked climate variables.
//
// A Stack stores one variable as a dense matrix with one row per time step
// and one column per grid cell. Cells are numbered latitude-major, so cell
// i*len(Lon)+j sits at (Lat[i], Lon[j]). NaN is the only "no data" marker;
// it is never conflated with zero.
package grid

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
)

// Cell identifies one cell of a rectangular grid.
type Cell struct {
	Lat float64
	Lon float64
}

func (c Cell) String() string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Stack is a single variable over a rectangular grid and a time axis.
type Stack struct {
	Name       string
	Resolution calendar.Resolution
	Lat        []float64
	Lon        []float64
	Times      []time.Time
	Data       *mat.Dense
	Attrs      map[string]string
}

// NewStack allocates a NaN-filled stack.
func NewStack(name string, res calendar.Resolution, lat, lon []float64, times []time.Time) (*Stack, error) {
	if len(lat) == 0 || len(lon) == 0 {
		return nil, faults.Configf("stack %q has an empty spatial axis", name)
	}
	if len(times) == 0 {
		return nil, faults.Configf("stack %q has an empty time axis", name)
	}
	n := len(lat) * len(lon)
	data := make([]float64, len(times)*n)
	for i := range data {
		data[i] = math.NaN()
	}
	return &Stack{
		Name:       name,
		Resolution: res,
		Lat:        append([]float64(nil), lat...),
		Lon:        append([]float64(nil), lon...),
		Times:      append([]time.Time(nil), times...),
		Data:       mat.NewDense(len(times), n, data),
		Attrs:      map[string]string{},
	}, nil
}

// NumCells returns the number of grid cells.
func (s *Stack) NumCells() int { return len(s.Lat) * len(s.Lon) }

// NumTimes returns the number of time steps.
func (s *Stack) NumTimes() int { return len(s.Times) }

// CellIndex returns the column index of the cell at (Lat[i], Lon[j]).
func (s *Stack) CellIndex(i, j int) int { return i*len(s.Lon) + j }

// Cell returns the coordinates of column idx.
func (s *Stack) Cell(idx int) Cell {
	return Cell{Lat: s.Lat[idx/len(s.Lon)], Lon: s.Lon[idx%len(s.Lon)]}
}

// At returns the value at time step t of cell c.
func (s *Stack) At(t, c int) float64 { return s.Data.At(t, c) }

// Set stores v at time step t of cell c.
func (s *Stack) Set(t, c int, v float64) { s.Data.Set(t, c, v) }

// Column copies the time series of cell c into dst, allocating if dst is nil.
func (s *Stack) Column(dst []float64, c int) []float64 {
	return mat.Col(dst, c, s.Data)
}

// SetColumn overwrites the time series of cell c.
func (s *Stack) SetColumn(c int, values []float64) {
	s.Data.SetCol(c, values)
}

// CellRange is the half-open cell interval [Lo, Hi).
type CellRange struct{ Lo, Hi int }

// Partition splits the cells [0, n) into at most parts contiguous ranges.
func Partition(n, parts int) []CellRange {
	if parts > n {
		parts = n
	}
	if parts < 1 {
		parts = 1
	}
	size := (n + parts - 1) / parts
	var out []CellRange
	for lo := 0; lo < n; lo += size {
		out = append(out, CellRange{Lo: lo, Hi: min(lo+size, n)})
	}
	return out
}

// SameGrid reports whether o shares the spatial axes of s.
func (s *Stack) SameGrid(o *Stack) bool {
	return equalAxis(s.Lat, o.Lat) && equalAxis(s.Lon, o.Lon)
}

// SameShape reports whether o shares both the spatial and time axes of s.
func (s *Stack) SameShape(o *Stack) bool {
	if !s.SameGrid(o) || len(s.Times) != len(o.Times) {
		return false
	}
	for i := range s.Times {
		if !s.Times[i].Equal(o.Times[i]) {
			return false
		}
	}
	return true
}

func equalAxis(a, b []float64) bool {
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

// Validate checks the structural invariants: matching dimensions, strictly
// increasing timestamps and, for daily and weekly data, no silent gaps.
func (s *Stack) Validate() error {
	r, c := s.Data.Dims()
	if r != len(s.Times) || c != s.NumCells() {
		return faults.Configf("stack %q: data is %dx%d, axes imply %dx%d", s.Name, r, c, len(s.Times), s.NumCells())
	}
	return validateTimes(s.Name, s.Resolution, s.Times)
}

func validateTimes(name string, res calendar.Resolution, times []time.Time) error {
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			return faults.Configf("%q: timestamps not strictly increasing at %s", name, times[i].Format(time.DateOnly))
		}
		if res == calendar.Daily || res == calendar.Weekly {
			if want := res.Next(times[i-1]); !times[i].Equal(want) {
				return faults.Configf("%q: gap between %s and %s; missing steps must be explicit NaN",
					name, times[i-1].Format(time.DateOnly), times[i].Format(time.DateOnly))
			}
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Stack) Clone() *Stack {
	out := &Stack{
		Name:       s.Name,
		Resolution: s.Resolution,
		Lat:        append([]float64(nil), s.Lat...),
		Lon:        append([]float64(nil), s.Lon...),
		Times:      append([]time.Time(nil), s.Times...),
		Data:       mat.DenseCopyOf(s.Data),
		Attrs:      make(map[string]string, len(s.Attrs)),
	}
	for k, v := range s.Attrs {
		out.Attrs[k] = v
	}
	return out
}

// Select returns a copy of s restricted to the time steps for which keep
// returns true. It returns nil when no time step is kept.
func (s *Stack) Select(keep func(time.Time) bool) *Stack {
	var rows []int
	for i, t := range s.Times {
		if keep(t) {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	times := make([]time.Time, len(rows))
	data := mat.NewDense(len(rows), s.NumCells(), nil)
	for k, i := range rows {
		times[k] = s.Times[i]
		data.SetRow(k, s.Data.RawRowView(i))
	}
	out := &Stack{
		Name:       s.Name,
		Resolution: s.Resolution,
		Lat:        append([]float64(nil), s.Lat...),
		Lon:        append([]float64(nil), s.Lon...),
		Times:      times,
		Data:       data,
		Attrs:      make(map[string]string, len(s.Attrs)),
	}
	for k, v := range s.Attrs {
		out.Attrs[k] = v
	}
	return out
}

// SelectISOYears keeps the time steps whose ISO week-numbering year lies in
// [start, end]. For weekly data this keeps whole ISO weeks.
func (s *Stack) SelectISOYears(start, end int) *Stack {
	return s.Select(func(t time.Time) bool {
		y, _ := t.ISOWeek()
		return y >= start && y <= end
	})
}

// SelectYears keeps the time steps whose calendar year lies in [start, end].
func (s *Stack) SelectYears(start, end int) *Stack {
	return s.Select(func(t time.Time) bool {
		return t.Year() >= start && t.Year() <= end
	})
}

// Concat joins stacks along time. All stacks must share the grid, and the
// combined time axis must be strictly increasing.
func Concat(stacks ...*Stack) (*Stack, error) {
	if len(stacks) == 0 {
		return nil, faults.Configf("nothing to concatenate")
	}
	first := stacks[0]
	var times []time.Time
	for _, s := range stacks {
		if !first.SameGrid(s) {
			return nil, faults.Configf("cannot concatenate %q: grid differs from %q", s.Name, first.Name)
		}
		if s.Resolution != first.Resolution {
			return nil, faults.Configf("cannot concatenate %s %q with %s %q", s.Resolution, s.Name, first.Resolution, first.Name)
		}
		times = append(times, s.Times...)
	}
	if err := validateTimes(first.Name, first.Resolution, times); err != nil {
		return nil, err
	}
	data := mat.NewDense(len(times), first.NumCells(), nil)
	row := 0
	for _, s := range stacks {
		for i := range s.Times {
			data.SetRow(row, s.Data.RawRowView(i))
			row++
		}
	}
	out := &Stack{
		Name:       first.Name,
		Resolution: first.Resolution,
		Lat:        append([]float64(nil), first.Lat...),
		Lon:        append([]float64(nil), first.Lon...),
		Times:      times,
		Data:       data,
		Attrs:      map[string]string{},
	}
	for k, v := range first.Attrs {
		out.Attrs[k] = v
	}
	return out, nil
}

// Balance returns precip minus evaporation, the input of SPEI.
func Balance(precip, evaporation *Stack) (*Stack, error) {
	if !precip.SameShape(evaporation) {
		return nil, faults.Configf("precipitation %q and evaporation %q differ in shape", precip.Name, evaporation.Name)
	}
	var d mat.Dense
	d.Sub(precip.Data, evaporation.Data)
	out := precip.Clone()
	out.Name = "balance"
	out.Data = &d
	return out, nil
}
