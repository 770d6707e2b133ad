package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
)

// Defaults applied by Resolve when a setting is absent.
const (
	DefaultWindow         = 6
	DefaultMethod         = "thom"
	DefaultClip           = 3.09
	DefaultClipPercentile = 0.99
	DefaultAdminLevel     = 2
	appDir                = "dart-pipeline"
)

// envKeys maps environment variables onto settings keys. Environment values
// override file values.
var envKeys = []struct{ env, key string }{
	{"DART_PIPELINE_DATA_HOME", "data_home"},
	{"ISO3", "region.iso3"},
	{"ADMIN_LEVEL", "region.admin_level"},
	{"START_YEAR", "years.start"},
	{"END_YEAR", "years.end"},
	{"BC_ENABLE", "bias_correction.enabled"},
	{"BC_PRECIP_REF", "bias_correction.precip_ref"},
	{"BC_HISTORICAL_OBS", "bias_correction.historical_obs"},
	{"BC_HISTORICAL_FORECAST", "bias_correction.historical_forecast"},
	{"BC_CLIP_PRECIP_PERCENTILE", "bias_correction.clip_percentile"},
}

// LoadDotEnv loads variables from the given .env files into the process
// environment, or from ./.env when none are given. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment values onto c.
func ApplyEnv(c *ConfigData, getenv func(string) string) error {
	for _, e := range envKeys {
		v := strings.TrimSpace(getenv(e.env))
		if v == "" {
			continue
		}
		if err := c.Set(e.key, v); err != nil {
			return &faults.ConfigurationError{Msg: fmt.Sprintf("environment variable %s: %v", e.env, err)}
		}
	}
	return nil
}

// Paths builds the standard directory layout under the data home:
// <home>/{sources,output,scratch}/<region>/<source>/<file>.
type Paths struct {
	DataHome string
}

func (p Paths) join(kind, region, source string, file []string) string {
	parts := append([]string{p.DataHome, kind, region, source}, file...)
	return filepath.Join(parts...)
}

// Sources returns a path for raw inputs.
func (p Paths) Sources(region, source string, file ...string) string {
	return p.join("sources", region, source, file)
}

// Output returns a path for processed outputs.
func (p Paths) Output(region, source string, file ...string) string {
	return p.join("output", region, source, file)
}

// Scratch returns a path for intermediate files.
func (p Paths) Scratch(region, source string, file ...string) string {
	return p.join("scratch", region, source, file)
}

// GammaSettings configures gamma fitting.
type GammaSettings struct {
	Window        int
	Method        string
	BaselineStart int
	BaselineEnd   int
}

// BiasCorrectionSettings locate the bias correction inputs.
type BiasCorrectionSettings struct {
	Enabled            bool
	PrecipRef          string
	HistoricalObs      string
	HistoricalForecast string
	ClipPercentile     float64
}

// Context is the resolved, immutable configuration handed to every
// component. Nothing reads the environment after it is built.
type Context struct {
	Paths          Paths
	Region         string
	AdminLevel     int
	StartYear      int
	EndYear        int
	Gamma          GammaSettings
	Clip           float64
	BiasCorrection BiasCorrectionSettings
	Catalog        CatalogData
	SinkDSN        string
	Workers        int
}

// RegionWithAdmin returns the region code with its admin level, e.g. VNM-2.
func (c Context) RegionWithAdmin() string {
	return fmt.Sprintf("%s-%d", c.Region, c.AdminLevel)
}

// Resolve applies defaults to c and validates it. getenv is consulted only
// for the XDG and home directory fallbacks of the data home.
func Resolve(c *ConfigData, getenv func(string) string) (Context, error) {
	ctx := Context{
		Region:     strings.ToUpper(c.Region.ISO3),
		AdminLevel: DefaultAdminLevel,
		StartYear:  c.Years.Start,
		EndYear:    c.Years.End,
		Gamma: GammaSettings{
			Window: DefaultWindow,
			Method: DefaultMethod,
		},
		Clip: DefaultClip,
		BiasCorrection: BiasCorrectionSettings{
			Enabled:            c.BiasCorrection.Enabled,
			PrecipRef:          c.BiasCorrection.PrecipRef,
			HistoricalObs:      c.BiasCorrection.HistoricalObs,
			HistoricalForecast: c.BiasCorrection.HistoricalForecast,
			ClipPercentile:     DefaultClipPercentile,
		},
		Catalog: c.Catalog,
		Workers: c.Workers,
	}

	home := c.DataHome
	if home == "" {
		if xdg := getenv("XDG_DATA_HOME"); xdg != "" {
			home = filepath.Join(xdg, appDir)
		} else if h := getenv("HOME"); h != "" {
			home = filepath.Join(h, ".local", "share", appDir)
		} else {
			return Context{}, faults.Configf("cannot determine data home: set DART_PIPELINE_DATA_HOME, XDG_DATA_HOME or HOME")
		}
	}
	ctx.Paths = Paths{DataHome: home}

	if c.Region.AdminLevel != nil {
		if *c.Region.AdminLevel < 0 || *c.Region.AdminLevel > 3 {
			return Context{}, faults.Configf("admin level must be between 0 and 3, got %d", *c.Region.AdminLevel)
		}
		ctx.AdminLevel = *c.Region.AdminLevel
	}
	if ctx.StartYear != 0 && ctx.EndYear != 0 && ctx.StartYear > ctx.EndYear {
		return Context{}, &faults.RangeError{Start: ctx.StartYear, End: ctx.EndYear}
	}

	if c.Gamma.Window != nil {
		if *c.Gamma.Window < 1 {
			return Context{}, faults.Configf("gamma window must be at least 1, got %d", *c.Gamma.Window)
		}
		ctx.Gamma.Window = *c.Gamma.Window
	}
	if c.Gamma.Method != "" {
		ctx.Gamma.Method = c.Gamma.Method
	}
	if c.Gamma.Baseline != "" {
		start, end, err := calendar.ParseYearRange(c.Gamma.Baseline)
		if err != nil {
			return Context{}, err
		}
		ctx.Gamma.BaselineStart, ctx.Gamma.BaselineEnd = start, end
	}

	if c.Index.Clip != nil {
		if *c.Index.Clip < 0 {
			return Context{}, faults.Configf("index clip must not be negative, got %v", *c.Index.Clip)
		}
		ctx.Clip = *c.Index.Clip
	}
	if p := c.BiasCorrection.ClipPercentile; p != nil {
		if *p <= 0 || *p > 1 {
			return Context{}, faults.Configf("BC_CLIP_PRECIP_PERCENTILE must be in (0, 1], got %v", *p)
		}
		ctx.BiasCorrection.ClipPercentile = *p
	}

	switch ctx.Catalog.Driver {
	case "":
		ctx.Catalog.Driver = "sqlite"
	case "sqlite", "postgres":
	default:
		return Context{}, faults.Configf("unsupported catalog driver %q", ctx.Catalog.Driver)
	}
	if ctx.Catalog.DSN == "" {
		if ctx.Catalog.Driver != "sqlite" {
			return Context{}, &faults.ConfigurationError{Msg: "catalog connection string is required", Missing: []string{"catalog.dsn"}}
		}
		ctx.Catalog.DSN = filepath.Join(home, "output", "gamma-catalog.db")
	}

	if c.Sink.Postgres != nil {
		ctx.SinkDSN = c.Sink.Postgres.ConnectionString
	}
	if ctx.Workers < 0 {
		return Context{}, faults.Configf("workers must not be negative, got %d", ctx.Workers)
	}
	return ctx, nil
}

// Load reads configuration from provider, overlays the process environment
// and resolves the result.
func Load(provider ConfigProvider) (Context, error) {
	data := &ConfigData{}
	if provider != nil {
		var err error
		if data, err = provider.LoadConfig(); err != nil {
			return Context{}, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if err := ApplyEnv(data, os.Getenv); err != nil {
		return Context{}, err
	}
	return Resolve(data, os.Getenv)
}
