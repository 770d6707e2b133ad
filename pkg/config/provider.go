package config

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure. Optional
// numeric settings are pointers so an unset value can be told apart from zero.
type ConfigData struct {
	DataHome       string             `json:"data_home,omitempty" yaml:"data_home,omitempty"`
	Region         RegionData         `json:"region" yaml:"region"`
	Years          YearsData          `json:"years,omitempty" yaml:"years,omitempty"`
	Gamma          GammaData          `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	Index          IndexData          `json:"index,omitempty" yaml:"index,omitempty"`
	BiasCorrection BiasCorrectionData `json:"bias_correction,omitempty" yaml:"bias_correction,omitempty"`
	Catalog        CatalogData        `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Sink           SinkData           `json:"sink,omitempty" yaml:"sink,omitempty"`
	Workers        int                `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// RegionData names the region being processed
type RegionData struct {
	ISO3       string `json:"iso3" yaml:"iso3"`
	AdminLevel *int   `json:"admin_level,omitempty" yaml:"admin_level,omitempty"`
}

// YearsData is the requested year range
type YearsData struct {
	Start int `json:"start,omitempty" yaml:"start,omitempty"`
	End   int `json:"end,omitempty" yaml:"end,omitempty"`
}

// GammaData configures gamma fitting
type GammaData struct {
	Window   *int   `json:"window,omitempty" yaml:"window,omitempty"`
	Method   string `json:"method,omitempty" yaml:"method,omitempty"`
	Baseline string `json:"baseline,omitempty" yaml:"baseline,omitempty"` // e.g. "2000-2020"
}

// IndexData configures index calculation
type IndexData struct {
	Clip *float64 `json:"clip,omitempty" yaml:"clip,omitempty"`
}

// BiasCorrectionData locates the bias correction inputs
type BiasCorrectionData struct {
	Enabled            bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	PrecipRef          string   `json:"precip_ref,omitempty" yaml:"precip_ref,omitempty"`
	HistoricalObs      string   `json:"historical_obs,omitempty" yaml:"historical_obs,omitempty"`
	HistoricalForecast string   `json:"historical_forecast,omitempty" yaml:"historical_forecast,omitempty"`
	ClipPercentile     *float64 `json:"clip_percentile,omitempty" yaml:"clip_percentile,omitempty"`
}

// CatalogData selects the gamma artifact catalog database
type CatalogData struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // sqlite or postgres
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// SinkData configures the optional database sink for stitched outputs
type SinkData struct {
	Postgres *PostgresData `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// PostgresData holds a PostgreSQL connection string
type PostgresData struct {
	ConnectionString string `json:"connection_string" yaml:"connection_string"`
}
