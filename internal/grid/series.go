package grid

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
)

// Windowed is a stack of trailing-window sums. Window records the number of
// periods summed and must match the window of any gamma parameters the
// aggregate is evaluated against.
type Windowed struct {
	*Stack
	Window int
}

// Rolling computes the trailing sum over window periods ending at each time
// step. The first window-1 steps, and any window containing NaN, are NaN.
func Rolling(s *Stack, window int) (*Windowed, error) {
	if window < 1 {
		return nil, faults.Configf("rolling window must be at least 1, got %d", window)
	}
	out := s.Clone()
	nt := s.NumTimes()
	col := make([]float64, nt)
	sums := make([]float64, nt)
	for c := 0; c < s.NumCells(); c++ {
		s.Column(col, c)
		rollingSum(sums, col, window)
		out.SetColumn(c, sums)
	}
	return &Windowed{Stack: out, Window: window}, nil
}

func rollingSum(dst, src []float64, window int) {
	for t := range src {
		if t < window-1 {
			dst[t] = math.NaN()
			continue
		}
		w := src[t-window+1 : t+1]
		if floats.HasNaN(w) {
			dst[t] = math.NaN()
			continue
		}
		dst[t] = floats.Sum(w)
	}
}

// Reduction selects how daily values are combined into a week.
type Reduction int

const (
	ReduceSum Reduction = iota
	ReduceMean
)

// WeeklyReduce resamples a daily stack into ISO weeks labelled by their
// Monday. Partial weeks at either end are dropped; a week containing NaN
// yields NaN.
func WeeklyReduce(s *Stack, how Reduction) (*Stack, error) {
	if s.Resolution == calendar.Weekly {
		return s.Clone(), nil
	}
	if s.Resolution != calendar.Daily {
		return nil, faults.Configf("cannot resample %s stack %q to weekly", s.Resolution, s.Name)
	}

	type span struct {
		monday     time.Time
		start, end int
	}
	var weeks []span
	for i := 0; i < len(s.Times); {
		monday := calendar.WeekStart(s.Times[i])
		j := i
		for j < len(s.Times) && calendar.WeekStart(s.Times[j]).Equal(monday) {
			j++
		}
		if j-i == 7 {
			weeks = append(weeks, span{monday: monday, start: i, end: j})
		}
		i = j
	}
	if len(weeks) == 0 {
		return nil, faults.Configf("stack %q does not contain a complete ISO week", s.Name)
	}

	times := make([]time.Time, len(weeks))
	data := mat.NewDense(len(weeks), s.NumCells(), nil)
	col := make([]float64, s.NumTimes())
	for c := 0; c < s.NumCells(); c++ {
		s.Column(col, c)
		for w, wk := range weeks {
			vals := col[wk.start:wk.end]
			v := floats.Sum(vals)
			if how == ReduceMean {
				v /= float64(len(vals))
			}
			data.Set(w, c, v)
		}
	}
	for w, wk := range weeks {
		times[w] = wk.monday
	}

	out := &Stack{
		Name:       s.Name,
		Resolution: calendar.Weekly,
		Lat:        append([]float64(nil), s.Lat...),
		Lon:        append([]float64(nil), s.Lon...),
		Times:      times,
		Data:       data,
		Attrs:      make(map[string]string, len(s.Attrs)),
	}
	for k, v := range s.Attrs {
		out.Attrs[k] = v
	}
	return out, nil
}
