package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chrissnell/climatepipe/internal/app"
	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/grid"
	"github.com/chrissnell/climatepipe/internal/gridio"
	"github.com/chrissnell/climatepipe/internal/log"
	"github.com/chrissnell/climatepipe/internal/pipeline"
	"github.com/chrissnell/climatepipe/internal/registry"
	"github.com/chrissnell/climatepipe/pkg/config"
)

// RegionFlags are shared by the commands that act on a region. Zero values
// fall back to the configuration.
type RegionFlags struct {
	Region     string `help:"ISO 3166-1 alpha-3 region code (default: ISO3)."`
	AdminLevel int    `help:"Administrative level of the outputs (default: ADMIN_LEVEL or 2)." default:"-1"`
}

func (f RegionFlags) resolve(cfg config.Context) (string, int) {
	region, admin := strings.ToUpper(f.Region), f.AdminLevel
	if region == "" {
		region = cfg.Region
	}
	if admin < 0 {
		admin = cfg.AdminLevel
	}
	return region, admin
}

// baseline parses a YYYY-YYYY flag, falling back to the configured baseline.
func baseline(flag string, cfg config.Context) (int, int, error) {
	if flag == "" {
		return cfg.Gamma.BaselineStart, cfg.Gamma.BaselineEnd, nil
	}
	return calendar.ParseYearRange(flag)
}

type GammaCmd struct {
	RegionFlags `embed:""`
	Variable    string `arg:"" enum:"spi,spei" help:"Index to fit: spi or spei."`
	Baseline    string `help:"Baseline years, e.g. 1991-2020 (default: gamma.baseline)."`
	Window      int    `help:"Window in weeks (default: gamma.window)."`
	Method      string `help:"Estimator: thom or moments (default: gamma.method)."`
	BiasCorrect bool   `help:"Fit on bias-corrected precipitation."`
}

func (c *GammaCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	cfg := a.Config
	region, _ := c.resolve(cfg)
	start, end, err := baseline(c.Baseline, cfg)
	if err != nil {
		return err
	}
	window := c.Window
	if window == 0 {
		window = cfg.Gamma.Window
	}
	methodName := c.Method
	if methodName == "" {
		methodName = cfg.Gamma.Method
	}
	return process(rc, a, metricID(c.Variable, c.BiasCorrect)+".gamma", registry.Request{
		Region:        region,
		BaselineStart: start,
		BaselineEnd:   end,
		Window:        window,
		Method:        methodName,
		BiasCorrect:   c.BiasCorrect,
	})
}

func metricID(variable string, corrected bool) string {
	id := "era5." + variable
	if corrected {
		id += "_corrected"
	}
	return id
}

// process runs the registered metric id and prints the files it wrote.
func process(rc *runContext, a *app.App, id string, req registry.Request) error {
	m, err := a.Registry.Lookup(id)
	if err != nil {
		return err
	}
	files, err := m.Process(rc.ctx, req)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}

type IndexCmd struct {
	RegionFlags `embed:""`
	Variable    string `arg:"" enum:"spi,spei" help:"Index to compute: spi or spei."`
	Year        int    `arg:"" help:"ISO year to compute."`
	Baseline    string `help:"Baseline of the gamma parameters (default: most recently fitted)."`
	Window      int    `help:"Window of the gamma parameters; must match the fitted window (default: 6 with a baseline)."`
	BiasCorrect bool   `help:"Compute the bias-corrected variant."`
}

func (c *IndexCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	region, admin := c.resolve(a.Config)
	var start, end int
	if c.Baseline != "" {
		if start, end, err = calendar.ParseYearRange(c.Baseline); err != nil {
			return err
		}
	}
	return process(rc, a, metricID(c.Variable, c.BiasCorrect), registry.Request{
		Region:        region,
		AdminLevel:    admin,
		Year:          c.Year,
		BaselineStart: start,
		BaselineEnd:   end,
		Window:        c.Window,
		BiasCorrect:   c.BiasCorrect,
	})
}

type RunYearCmd struct {
	RegionFlags `embed:""`
	Years     []int `arg:"" optional:"" help:"ISO years to compute (default: START_YEAR to END_YEAR)."`
	Corrected bool  `help:"Require the bias-corrected variants."`
}

func (c *RunYearCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	cfg := a.Config
	region, admin := c.resolve(cfg)
	years := c.Years
	if len(years) == 0 {
		if cfg.StartYear == 0 || cfg.EndYear == 0 {
			return &faults.MissingParametersError{Metric: "run-year", Fields: []string{"years"}}
		}
		for y := cfg.StartYear; y <= cfg.EndYear; y++ {
			years = append(years, y)
		}
	}
	for _, y := range years {
		files, err := a.Pipeline.RunYear(rc.ctx, pipeline.RunYearOptions{
			Region:     region,
			AdminLevel: admin,
			Year:       y,
			Corrected:  c.Corrected,
		})
		if err != nil {
			return fmt.Errorf("year %d: %w", y, err)
		}
		for _, f := range files {
			fmt.Println(f)
		}
	}
	return nil
}

type StitchCmd struct {
	RegionFlags `embed:""`
	Start      int    `help:"First year (default: START_YEAR, or the earliest output)."`
	End        int    `help:"Last year (default: END_YEAR, or the latest output)."`
	Resolution string `help:"Resolution of the outputs to stitch." enum:"weekly,daily" default:"weekly"`
	Ingest     bool   `help:"Ingest the stitched rows into the sink database."`
}

func (c *StitchCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	cfg := a.Config
	region, admin := c.resolve(cfg)
	start, end := c.Start, c.End
	if start == 0 && end == 0 {
		start, end = cfg.StartYear, cfg.EndYear
	}
	res, err := a.Pipeline.Stitch(rc.ctx, pipeline.StitchOptions{
		Region:     region,
		AdminLevel: admin,
		StartYear:  start,
		EndYear:    end,
		Resolution: calendar.Resolution(c.Resolution),
		Ingest:     c.Ingest,
	})
	if err != nil {
		return err
	}
	for _, f := range res.Files {
		fmt.Println(f)
	}
	return nil
}

type BiasCorrectCmd struct {
	Precip        PrecipCmd        `cmd:"" help:"Map precipitation onto the reference distribution."`
	Forecast      ForecastCmd      `cmd:"" help:"Assemble a corrected six-week forecast window."`
	ForecastIndex ForecastIndexCmd `cmd:"" name:"forecast-index" help:"Compute the corrected SPI of a projected forecast week."`
}

type PrecipCmd struct {
	Input  string `arg:"" type:"existingfile" help:"Precipitation grid to correct."`
	Output string `arg:"" type:"path" help:"Corrected grid to write."`
}

func (c *PrecipCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	bc := a.Pipeline.BiasCorrection()
	if err := bc.Prepare(rc.ctx); err != nil {
		return err
	}
	in, err := gridio.Read(c.Input)
	if err != nil {
		return err
	}
	out, err := bc.Correct(rc.ctx, in)
	if err != nil {
		return err
	}
	out.Attrs["run_id"] = a.RunID
	return gridio.Write(c.Output, out)
}

type ForecastCmd struct {
	Variable   string `arg:"" enum:"tp,t2m,r" help:"Forecast variable."`
	Reanalysis string `arg:"" type:"existingfile" help:"Reanalysis grid holding the weeks before the forecast."`
	Previous   string `arg:"" type:"existingfile" help:"Previous forecast grid."`
	Projected  string `arg:"" type:"existingfile" help:"Current forecast grid."`
	Output     string `arg:"" type:"path" help:"Windowed grid to write."`
}

func (c *ForecastCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	bc := a.Pipeline.BiasCorrection()
	if err := bc.Prepare(rc.ctx); err != nil {
		return err
	}
	grids := make(map[string]*grid.Stack, 3)
	for name, path := range map[string]string{"reanalysis": c.Reanalysis, "previous": c.Previous, "projected": c.Projected} {
		s, err := gridio.Read(path)
		if err != nil {
			return err
		}
		grids[name] = s
	}
	w, err := bc.AssembleForecastWindow(rc.ctx, c.Variable, grids["reanalysis"], grids["previous"], grids["projected"])
	if err != nil {
		return err
	}
	w.Attrs["window"] = strconv.Itoa(w.Window)
	w.Attrs["run_id"] = a.RunID
	return gridio.Write(c.Output, w.Stack)
}

type ForecastIndexCmd struct {
	RegionFlags `embed:""`
	Reanalysis  string `arg:"" type:"existingfile" help:"Weekly reanalysis precipitation ending the week before the previous forecast."`
	Previous    string `arg:"" type:"existingfile" help:"Previous week precipitation forecast grid."`
	Projected   string `arg:"" type:"existingfile" help:"Projected week precipitation forecast grid."`
	Output      string `arg:"" type:"path" help:"Index grid to write."`
}

func (c *ForecastIndexCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	region, _ := c.resolve(a.Config)
	opts := pipeline.ForecastOptions{Region: region}
	for _, in := range []struct {
		path string
		dst  **grid.Stack
	}{
		{c.Reanalysis, &opts.Reanalysis},
		{c.Previous, &opts.Previous},
		{c.Projected, &opts.Projected},
	} {
		if *in.dst, err = gridio.Read(in.path); err != nil {
			return err
		}
	}
	out, err := a.Pipeline.ForecastIndex(rc.ctx, opts)
	if err != nil {
		return err
	}
	if err := gridio.Write(c.Output, out); err != nil {
		return err
	}
	fmt.Println(c.Output)
	return nil
}

type ParamsCmd struct {
	RegionFlags `embed:""`
}

func (c *ParamsCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	region, _ := c.resolve(a.Config)
	entries, err := a.Catalog().List(rc.ctx, region)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tMETHOD\tCREATED\tRUN\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Identity.Key(), e.Method,
			e.CreatedAt.Format(time.RFC3339), e.RunID, e.Path)
	}
	return tw.Flush()
}

type MetricsCmd struct{}

func (c *MetricsCmd) Run(rc *runContext) error {
	a, err := rc.App()
	if err != nil {
		return err
	}
	list, err := a.Registry.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tCAPABILITIES\tDESCRIPTION")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.Capabilities(), m.Description)
	}
	if !a.Pipeline.BiasCorrection().Enabled() {
		fmt.Fprintln(tw, "\t\t(corrected metrics need BC_ENABLE=1)")
	}
	return tw.Flush()
}

type SettingsCmd struct {
	Import SettingsImportCmd `cmd:"" help:"Copy a YAML configuration into the SQLite database given by --config."`
	Set    SettingsSetCmd    `cmd:"" help:"Set one setting in the SQLite database given by --config."`
	List   SettingsListCmd   `cmd:"" help:"List the settings stored in the SQLite database given by --config."`
}

func sqliteProvider(rc *runContext) (*config.SQLiteProvider, error) {
	if rc.cli.ConfigBackend != "sqlite" {
		return nil, faults.Configf("settings commands need --config-backend sqlite")
	}
	return config.NewSQLiteProvider(rc.cli.Config)
}

type SettingsImportCmd struct {
	YAML string `arg:"" type:"existingfile" help:"YAML configuration to import."`
}

func (c *SettingsImportCmd) Run(rc *runContext) error {
	data, err := config.NewYAMLProvider(c.YAML).LoadConfig()
	if err != nil {
		return err
	}
	if _, err := config.Resolve(data, os.Getenv); err != nil {
		return fmt.Errorf("refusing to import invalid configuration: %w", err)
	}
	p, err := sqliteProvider(rc)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.SaveConfig(data); err != nil {
		return err
	}
	log.Infof("Imported %s into %s", c.YAML, rc.cli.Config)
	return nil
}

type SettingsSetCmd struct {
	Key   string `arg:"" help:"Setting key, e.g. gamma.window."`
	Value string `arg:"" help:"New value."`
}

func (c *SettingsSetCmd) Run(rc *runContext) error {
	p, err := sqliteProvider(rc)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.SetSetting(c.Key, c.Value)
}

type SettingsListCmd struct{}

func (c *SettingsListCmd) Run(rc *runContext) error {
	p, err := sqliteProvider(rc)
	if err != nil {
		return err
	}
	defer p.Close()
	settings, err := p.GetSettings()
	if err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(settings)) {
		fmt.Printf("%s=%s\n", k, settings[k])
	}
	return nil
}
