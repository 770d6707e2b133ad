package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/alecthomas/kong"

	"github.com/chrissnell/climatepipe/internal/app"
	"github.com/chrissnell/climatepipe/internal/log"
	"github.com/chrissnell/climatepipe/internal/metrics"
	"github.com/chrissnell/climatepipe/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

// CLI is the command line of climatepipe.
type CLI struct {
	Config        string           `help:"Path to configuration source: a YAML file or a SQLite database." default:"climatepipe.yaml" type:"path"`
	ConfigBackend string           `help:"Configuration backend type." enum:"yaml,sqlite" default:"yaml"`
	EnvFile       []string         `help:"Environment files loaded before configuration." default:".env" type:"path"`
	Debug         bool             `help:"Turn on debugging output."`
	MetricsFile   string           `help:"Write Prometheus metrics in text format to this file on exit." type:"path"`
	Version       kong.VersionFlag `help:"Show version and exit."`

	Gamma       GammaCmd       `cmd:"" help:"Fit gamma parameters for an index over a baseline."`
	Index       IndexCmd       `cmd:"" help:"Compute an index for one year."`
	RunYear     RunYearCmd     `cmd:"" name:"run-year" help:"Compute every index for one or more years."`
	Stitch      StitchCmd      `cmd:"" help:"Stitch per-year outputs into one dataset."`
	BiasCorrect BiasCorrectCmd `cmd:"" name:"bias-correct" help:"Bias correct a precipitation or forecast grid."`
	Metrics     MetricsCmd     `cmd:"" help:"List the registered metrics."`
	Params      ParamsCmd      `cmd:"" help:"List the catalogued gamma parameters of a region."`
	Settings    SettingsCmd    `cmd:"" help:"Manage settings in a SQLite configuration database."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("climatepipe"),
		kong.Description("Standardised precipitation indices from ERA5 reanalysis."),
		kong.UsageOnError(),
		kong.Vars{"version": "climatepipe " + version},
	)

	if err := log.Init(cli.Debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := app.SignalContext(context.Background())
	defer cancel()

	rc := &runContext{ctx: ctx, cli: &cli}
	err := kctx.Run(rc)
	rc.close()

	if cli.MetricsFile != "" {
		if merr := metrics.WriteTextfile(cli.MetricsFile); merr != nil {
			log.Errorf("Failed to write metrics: %v", merr)
		}
	}
	if err != nil {
		log.Errorf("%s failed: %v", kctx.Command(), err)
		log.Sync()
		os.Exit(1)
	}
}

// runContext is bound into every command. The application is built on first
// use so that commands which only touch configuration never open the catalog.
type runContext struct {
	ctx context.Context
	cli *CLI
	app *app.App
}

func (rc *runContext) App() (*app.App, error) {
	if rc.app != nil {
		return rc.app, nil
	}
	cfg, err := loadConfig(rc.cli.Config, rc.cli.ConfigBackend, rc.cli.EnvFile)
	if err != nil {
		return nil, err
	}
	rc.app, err = app.New(rc.ctx, cfg, log.Named("climatepipe"))
	return rc.app, err
}

func (rc *runContext) close() {
	if rc.app == nil {
		return
	}
	if err := rc.app.Close(); err != nil {
		log.Warnf("Failed to close application: %v", err)
	}
}

func loadConfig(cfgFile, cfgBackend string, envFiles []string) (config.Context, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return config.Context{}, err
	}
	filename, _ := filepath.Abs(cfgFile)

	var provider config.ConfigProvider
	var err error
	switch cfgBackend {
	case "yaml":
		if _, statErr := os.Stat(filename); errors.Is(statErr, fs.ErrNotExist) {
			log.Debugf("No configuration file at %s; using environment only", filename)
			break
		}
		provider = config.NewYAMLProvider(filename)
	case "sqlite":
		provider, err = config.NewSQLiteProvider(filename)
		if err != nil {
			return config.Context{}, fmt.Errorf("error creating SQLite provider: %w", err)
		}
		defer provider.Close()
	default:
		return config.Context{}, fmt.Errorf("unsupported configuration backend: %s. Use 'yaml' or 'sqlite'", cfgBackend)
	}

	cfg, err := config.Load(provider)
	if err != nil {
		return config.Context{}, fmt.Errorf("error reading configuration. Did you pass the --config flag? Run with -h for help: %w", err)
	}
	return cfg, nil
}
