// Package biascorrect routes precipitation, and for forecasts temperature and
// humidity, through empirical quantile mapping before indexing.
//
// An Orchestrator never falls back to uncorrected data: when correction is
// requested and an input is missing it fails, and when correction is
// disabled it refuses to produce anything labelled as corrected.
package biascorrect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/grid"
	"github.com/chrissnell/climatepipe/internal/gridio"
	"github.com/chrissnell/climatepipe/internal/metrics"
)

// State is the orchestrator lifecycle state.
type State int

const (
	Disabled State = iota
	Idle
	Preparing
	Correcting
	Corrected
	Failed
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Correcting:
		return "correcting"
	case Corrected:
		return "corrected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ObservedVariables must all be present in the historical observations.
var ObservedVariables = []string{"tp", "t2m", "r"}

// Settings locate the bias correction inputs. HistoricalObs and
// HistoricalForecast are directories holding one <variable>.grid file per
// observed variable.
type Settings struct {
	Enabled            bool
	ReferencePrecip    string
	HistoricalObs      string
	HistoricalForecast string
	ClipPercentile     float64
}

// Context bundles the loaded inputs of a correction run.
type Context struct {
	HistoricalObs      map[string]*grid.Stack
	ReferencePrecip    *grid.Stack
	ClipPercentile     float64
	HistoricalForecast map[string]*grid.Stack
}

// Orchestrator drives bias correction for one pipeline invocation.
type Orchestrator struct {
	settings Settings
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	bc       *Context
	precip   *Mapping
	forecast map[string]*Mapping
	err      error
}

// NewOrchestrator returns an orchestrator in the Disabled state when
// correction is off, and Idle otherwise.
func NewOrchestrator(settings Settings, logger *zap.SugaredLogger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if settings.ClipPercentile == 0 {
		settings.ClipPercentile = DefaultClipPercentile
	}
	o := &Orchestrator{settings: settings, logger: logger, state: Disabled}
	if settings.Enabled {
		o.transition(Idle)
	}
	return o
}

// Enabled reports whether correction was requested.
func (o *Orchestrator) Enabled() bool { return o.settings.Enabled }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Context returns the loaded inputs, or nil before a successful Prepare.
func (o *Orchestrator) Context() *Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bc
}

func (o *Orchestrator) transition(to State) {
	o.logger.Debugw("bias correction state change", "from", o.state, "to", to)
	o.state = to
	metrics.BiasCorrectionTransitionsTotal.WithLabelValues(to.String()).Inc()
}

func (o *Orchestrator) fail(err error) error {
	o.err = err
	o.transition(Failed)
	return err
}

// Required lists every input file correction needs.
func (o *Orchestrator) Required() []string {
	paths := []string{o.settings.ReferencePrecip}
	for _, v := range ObservedVariables {
		paths = append(paths, filepath.Join(o.settings.HistoricalObs, v+".grid"))
	}
	return paths
}

// Prepare checks that every required file exists, then loads the inputs and
// builds the quantile mappings. It is a no-op when correction is disabled and
// when the orchestrator is already prepared.
func (o *Orchestrator) Prepare(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case Disabled, Correcting, Corrected:
		return nil
	case Failed:
		return o.err
	}
	o.transition(Preparing)

	if o.settings.ReferencePrecip == "" || o.settings.HistoricalObs == "" {
		var missing []string
		if o.settings.ReferencePrecip == "" {
			missing = append(missing, "BC_PRECIP_REF")
		}
		if o.settings.HistoricalObs == "" {
			missing = append(missing, "BC_HISTORICAL_OBS")
		}
		return o.fail(faults.MissingFiles("bias correction enabled but inputs are not configured", missing...))
	}

	var missing []string
	for _, p := range o.Required() {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return o.fail(faults.MissingFiles("bias correction reference files not found", missing...))
	}

	bc := &Context{
		HistoricalObs:  map[string]*grid.Stack{},
		ClipPercentile: o.settings.ClipPercentile,
	}
	var err error
	if bc.ReferencePrecip, err = gridio.Read(o.settings.ReferencePrecip); err != nil {
		return o.fail(fmt.Errorf("failed to load reference precipitation: %w", err))
	}
	if bc.HistoricalObs, err = loadDir(ctx, o.settings.HistoricalObs); err != nil {
		return o.fail(fmt.Errorf("failed to load historical observations: %w", err))
	}
	if o.settings.HistoricalForecast != "" {
		if bc.HistoricalForecast, err = loadDir(ctx, o.settings.HistoricalForecast); err != nil {
			return o.fail(fmt.Errorf("failed to load historical forecast: %w", err))
		}
	}

	precip, err := NewMapping("tp", bc.HistoricalObs["tp"], bc.ReferencePrecip, bc.ClipPercentile)
	if err != nil {
		return o.fail(err)
	}
	o.forecast = map[string]*Mapping{}
	for v, fc := range bc.HistoricalForecast {
		m, err := NewMapping(v, fc, bc.HistoricalObs[v], bc.ClipPercentile)
		if err != nil {
			return o.fail(err)
		}
		o.forecast[v] = m
	}

	o.bc, o.precip = bc, precip
	o.transition(Correcting)
	o.logger.Infow("bias correction prepared",
		"reference", o.settings.ReferencePrecip,
		"observations", o.settings.HistoricalObs,
		"forecast", o.settings.HistoricalForecast != "",
		"clip_percentile", bc.ClipPercentile,
	)
	return nil
}

// loadDir reads the observed variables from dir.
func loadDir(ctx context.Context, dir string) (map[string]*grid.Stack, error) {
	out := make(map[string]*grid.Stack, len(ObservedVariables))
	var missing []string
	for _, v := range ObservedVariables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, v+".grid")
		s, err := gridio.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, path)
			continue
		}
		if err != nil {
			return nil, err
		}
		out[v] = s
	}
	if len(missing) > 0 {
		return nil, faults.MissingFiles("observed variables not found", missing...)
	}
	return out, nil
}

func (o *Orchestrator) ready() error {
	switch o.state {
	case Disabled:
		return faults.Configf("bias correction requested but disabled (set BC_ENABLE=1)")
	case Failed:
		return fmt.Errorf("bias correction failed earlier: %w", o.err)
	case Idle, Preparing:
		return faults.Configf("bias correction used before it was prepared")
	}
	return nil
}

// Correct maps historical precipitation onto the reference distribution.
func (o *Orchestrator) Correct(ctx context.Context, precip *grid.Stack) (*grid.Stack, error) {
	return o.apply(ctx, precip, func() (*Mapping, error) { return o.precip, nil })
}

// CorrectForecast maps a forecast of variable onto the observed distribution
// using the historical forecast.
func (o *Orchestrator) CorrectForecast(ctx context.Context, variable string, forecast *grid.Stack) (*grid.Stack, error) {
	return o.apply(ctx, forecast, func() (*Mapping, error) {
		m, ok := o.forecast[variable]
		if !ok {
			return nil, faults.Configf("no historical forecast of %s configured (BC_HISTORICAL_FORECAST)", variable)
		}
		return m, nil
	})
}

func (o *Orchestrator) apply(ctx context.Context, s *grid.Stack, pick func() (*Mapping, error)) (*grid.Stack, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := pick()
	if err != nil {
		return nil, err
	}
	o.transition(Correcting)
	out, err := m.Apply(s)
	if err != nil {
		return nil, o.fail(err)
	}
	o.transition(Corrected)
	return out, nil
}
