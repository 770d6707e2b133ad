package pipeline

import (
	"context"

	"github.com/chrissnell/climatepipe/internal/gamma"
	"github.com/chrissnell/climatepipe/internal/registry"
)

// CollateMetric stitches the per-year outputs of a region.
const CollateMetric = "era5.collate"

// Registry returns the frozen registry of every metric the pipeline
// processes. It is built once by New.
func (p *Pipeline) Registry() *registry.Registry { return p.registry }

func (p *Pipeline) buildRegistry() (*registry.Registry, error) {
	r := registry.New()
	for _, v := range []string{SPI, SPEI} {
		for _, corrected := range []bool{false, true} {
			name := v
			if corrected {
				name += "_corrected"
			}
			variable, bc := v, corrected
			metrics := []registry.Metric{
				{
					ID:          "era5." + name,
					Description: indexDescription(v, bc),
					Unit:        "standard deviations",
					Process: func(ctx context.Context, req registry.Request) ([]string, error) {
						path, err := p.ComputeIndex(ctx, IndexOptions{
							Region:        req.Region,
							AdminLevel:    req.AdminLevel,
							Variable:      variable,
							Year:          req.Year,
							BiasCorrect:   bc,
							BaselineStart: req.BaselineStart,
							BaselineEnd:   req.BaselineEnd,
							Window:        req.Window,
						})
						if err != nil {
							return nil, err
						}
						return []string{path}, nil
					},
				},
				{
					ID:          "era5." + name + ".gamma",
					Description: "gamma parameters for " + indexDescription(v, bc),
					Process: func(ctx context.Context, req registry.Request) ([]string, error) {
						var method gamma.Method
						if req.Method != "" {
							m, err := gamma.ParseMethod(req.Method)
							if err != nil {
								return nil, err
							}
							method = m
						}
						_, path, err := p.FitGamma(ctx, GammaOptions{
							Region:        req.Region,
							Variable:      variable,
							BaselineStart: req.BaselineStart,
							BaselineEnd:   req.BaselineEnd,
							Window:        req.Window,
							Method:        method,
							BiasCorrect:   bc,
						})
						if err != nil {
							return nil, err
						}
						return []string{path}, nil
					},
				},
			}
			for _, m := range metrics {
				if err := r.Register(m); err != nil {
					return nil, err
				}
			}
		}
	}

	err := r.Register(registry.Metric{
		ID:          CollateMetric,
		Description: "weekly outputs stitched across years",
		Process: func(ctx context.Context, req registry.Request) ([]string, error) {
			res, err := p.Stitch(ctx, StitchOptions{Region: req.Region, AdminLevel: req.AdminLevel})
			if err != nil {
				return nil, err
			}
			return res.Files, nil
		},
	})
	if err != nil {
		return nil, err
	}
	r.Freeze()
	return r, nil
}

func indexDescription(variable string, corrected bool) string {
	d := "standardised precipitation index"
	if variable == SPEI {
		d = "standardised precipitation-evaporation index"
	}
	if corrected {
		d += " from bias-corrected precipitation"
	}
	return d
}
