package pipeline

import (
	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/gamma"
)

// DefaultWindow is the gamma window in weeks when none is given.
const DefaultWindow = 6

// Index variables.
const (
	SPI  = "spi"
	SPEI = "spei"
)

func checkVariable(v string) error {
	if v != SPI && v != SPEI {
		return faults.Configf("unknown index variable %q, want spi or spei", v)
	}
	return nil
}

// GammaOptions configure a gamma fit.
//
// Region, Variable, BaselineStart and BaselineEnd are required. Window
// defaults to 6 weeks and Method to Thom's estimator.
type GammaOptions struct {
	Region        string
	Variable      string
	BaselineStart int
	BaselineEnd   int
	Window        int
	Method        gamma.Method
	BiasCorrect   bool
}

// Validate applies defaults and reports missing or invalid fields.
func (o GammaOptions) Validate() (GammaOptions, error) {
	var missing []string
	if o.Region == "" {
		missing = append(missing, "region")
	}
	if o.Variable == "" {
		missing = append(missing, "variable")
	}
	if o.BaselineStart == 0 {
		missing = append(missing, "baseline_start")
	}
	if o.BaselineEnd == 0 {
		missing = append(missing, "baseline_end")
	}
	if len(missing) > 0 {
		return o, &faults.MissingParametersError{Metric: "era5." + o.Variable + ".gamma", Fields: missing}
	}
	if err := checkVariable(o.Variable); err != nil {
		return o, err
	}
	if o.BaselineStart > o.BaselineEnd {
		return o, &faults.RangeError{Start: o.BaselineStart, End: o.BaselineEnd}
	}
	if o.Window == 0 {
		o.Window = DefaultWindow
	}
	if o.Window < 1 {
		return o, faults.Configf("window must be at least 1, got %d", o.Window)
	}
	if o.Method == "" {
		o.Method = gamma.MethodThom
	}
	return o, nil
}

// Identity returns the artifact identity the options produce.
func (o GammaOptions) Identity() gamma.Identity {
	return gamma.Identity{
		Region:        o.Region,
		Variable:      o.Variable,
		Window:        o.Window,
		BaselineStart: o.BaselineStart,
		BaselineEnd:   o.BaselineEnd,
		BiasCorrected: o.BiasCorrect,
	}
}

// IndexOptions configure an index calculation for one year.
//
// Region, Variable and Year are required. Without a baseline the most
// recently fitted parameters for the region and variable are used, and a
// non-zero Window must equal their window. With a baseline, Window selects
// the artifact and defaults to 6.
type IndexOptions struct {
	Region        string
	AdminLevel    int
	Variable      string
	Year          int
	BiasCorrect   bool
	BaselineStart int
	BaselineEnd   int
	Window        int
}

// Validate applies defaults and reports missing or invalid fields.
func (o IndexOptions) Validate() (IndexOptions, error) {
	var missing []string
	if o.Region == "" {
		missing = append(missing, "region")
	}
	if o.Variable == "" {
		missing = append(missing, "variable")
	}
	if o.Year == 0 {
		missing = append(missing, "year")
	}
	if (o.BaselineStart == 0) != (o.BaselineEnd == 0) {
		if o.BaselineStart == 0 {
			missing = append(missing, "baseline_start")
		} else {
			missing = append(missing, "baseline_end")
		}
	}
	if len(missing) > 0 {
		return o, &faults.MissingParametersError{Metric: "era5." + o.Variable, Fields: missing}
	}
	if err := checkVariable(o.Variable); err != nil {
		return o, err
	}
	if o.BaselineStart > o.BaselineEnd {
		return o, &faults.RangeError{Start: o.BaselineStart, End: o.BaselineEnd}
	}
	if o.BaselineStart != 0 && o.Window == 0 {
		o.Window = DefaultWindow
	}
	if o.AdminLevel < 0 {
		return o, faults.Configf("admin level must not be negative, got %d", o.AdminLevel)
	}
	return o, nil
}

// StitchOptions configure stitching. Region is required; zero years select
// every year on disk and Resolution defaults to weekly.
type StitchOptions struct {
	Region     string
	AdminLevel int
	StartYear  int
	EndYear    int
	Resolution calendar.Resolution
	Ingest     bool
}

// Validate applies defaults and reports missing or invalid fields.
func (o StitchOptions) Validate() (StitchOptions, error) {
	if o.Region == "" {
		return o, &faults.MissingParametersError{Metric: "era5.collate", Fields: []string{"region"}}
	}
	if o.Resolution == "" {
		o.Resolution = calendar.Weekly
	}
	if o.StartYear != 0 && o.EndYear != 0 && o.StartYear > o.EndYear {
		return o, &faults.RangeError{Start: o.StartYear, End: o.EndYear}
	}
	return o, nil
}
