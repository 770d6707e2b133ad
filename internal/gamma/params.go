package gamma

import (
	"fmt"
	"math"
	"strings"

	"github.com/chrissnell/climatepipe/internal/faults"
)

// Method selects the gamma fitting estimator.
type Method string

const (
	// MethodThom is Thom's (1958) approximation to the maximum likelihood
	// estimate of the shape parameter.
	MethodThom Method = "thom"

	// MethodMoments matches the sample mean and variance:
	// mean = alpha*beta, variance = alpha*beta^2.
	MethodMoments Method = "moments"
)

// ParseMethod accepts "thom", "mle" (an alias for thom) or "moments".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "thom", "mle":
		return MethodThom, nil
	case "moments", "mom":
		return MethodMoments, nil
	}
	return "", faults.Configf("unknown gamma fitting method %q", s)
}

// Identity is the retrieval key of a gamma parameter artifact. Two artifacts
// with different baselines or bias-correction flags are different artifacts,
// even for the same region and window.
type Identity struct {
	Region        string `msgpack:"region"`
	Variable      string `msgpack:"variable"` // "spi" or "spei"
	Window        int    `msgpack:"window"`
	BaselineStart int    `msgpack:"baseline_start"`
	BaselineEnd   int    `msgpack:"baseline_end"`
	BiasCorrected bool   `msgpack:"bias_corrected"`
}

// Key renders the identity as a stable, human readable string.
func (id Identity) Key() string {
	return fmt.Sprintf("%s/%s/window=%d/baseline=%d-%d/bias_corrected=%t",
		id.Region, id.Variable, id.Window, id.BaselineStart, id.BaselineEnd, id.BiasCorrected)
}

func (id Identity) String() string { return id.Key() }

// IndexName returns the output index name, e.g. "spi" or "spei_corrected".
func (id Identity) IndexName() string {
	if id.BiasCorrected {
		return id.Variable + "_corrected"
	}
	return id.Variable
}

// Metric returns the registry identifier of the fitter that produced the artifact.
func (id Identity) Metric() string {
	return "era5." + id.IndexName() + ".gamma"
}

// History records the call that generated the artifact, for provenance.
func (id Identity) History() string {
	return fmt.Sprintf("gamma_%s(%q, ystart=%d, yend=%d, window=%d, bias_correct=%t)",
		id.Variable, id.Region, id.BaselineStart, id.BaselineEnd, id.Window, id.BiasCorrected)
}

// Parameters holds per-cell gamma parameters on a latitude x longitude grid,
// stored latitude-major like grid.Stack. Unfitted cells hold NaN in all three
// grids. Parameters are never modified after the estimator returns them.
type Parameters struct {
	Identity Identity          `msgpack:"identity"`
	Method   Method            `msgpack:"method"`
	Lat      []float64         `msgpack:"lat"`
	Lon      []float64         `msgpack:"lon"`
	Alpha    []float64         `msgpack:"alpha"`
	Beta     []float64         `msgpack:"beta"`
	ZeroProb []float64         `msgpack:"zero_probability"`
	Attrs    map[string]string `msgpack:"attrs"`
}

// NumCells returns the number of grid cells.
func (p *Parameters) NumCells() int { return len(p.Lat) * len(p.Lon) }

// At returns shape, scale and probability of zero for cell c.
func (p *Parameters) At(c int) (alpha, beta, q float64) {
	return p.Alpha[c], p.Beta[c], p.ZeroProb[c]
}

// Fitted reports whether cell c has usable parameters.
func (p *Parameters) Fitted(c int) bool {
	return !math.IsNaN(p.Alpha[c]) && !math.IsNaN(p.Beta[c])
}

// Validate checks that the parameter grids match the axes.
func (p *Parameters) Validate() error {
	n := p.NumCells()
	if len(p.Alpha) != n || len(p.Beta) != n || len(p.ZeroProb) != n {
		return fmt.Errorf("gamma parameters %s: grids have %d/%d/%d cells, axes imply %d",
			p.Identity.Key(), len(p.Alpha), len(p.Beta), len(p.ZeroProb), n)
	}
	if p.Identity.Window < 1 {
		return fmt.Errorf("gamma parameters %s: invalid window %d", p.Identity.Key(), p.Identity.Window)
	}
	return nil
}
