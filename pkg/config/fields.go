package config

import (
	"fmt"
	"strconv"
)

// field maps a flat settings key onto ConfigData.
type field struct {
	key string
	get func(c *ConfigData) string
	set func(c *ConfigData, v string) error
}

func itoa(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func ftoa(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'g', -1, 64)
}

func intTo(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func intPtr(v string) (*int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func floatPtr(v string) (*float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func nonZero(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

var fields = []field{
	{
		key: "data_home",
		get: func(c *ConfigData) string { return c.DataHome },
		set: func(c *ConfigData, v string) error { c.DataHome = v; return nil },
	},
	{
		key: "region.iso3",
		get: func(c *ConfigData) string { return c.Region.ISO3 },
		set: func(c *ConfigData, v string) error { c.Region.ISO3 = v; return nil },
	},
	{
		key: "region.admin_level",
		get: func(c *ConfigData) string { return itoa(c.Region.AdminLevel) },
		set: func(c *ConfigData, v string) (err error) { c.Region.AdminLevel, err = intPtr(v); return err },
	},
	{
		key: "years.start",
		get: func(c *ConfigData) string { return nonZero(c.Years.Start) },
		set: func(c *ConfigData, v string) error { return intTo(&c.Years.Start)(v) },
	},
	{
		key: "years.end",
		get: func(c *ConfigData) string { return nonZero(c.Years.End) },
		set: func(c *ConfigData, v string) error { return intTo(&c.Years.End)(v) },
	},
	{
		key: "gamma.window",
		get: func(c *ConfigData) string { return itoa(c.Gamma.Window) },
		set: func(c *ConfigData, v string) (err error) { c.Gamma.Window, err = intPtr(v); return err },
	},
	{
		key: "gamma.method",
		get: func(c *ConfigData) string { return c.Gamma.Method },
		set: func(c *ConfigData, v string) error { c.Gamma.Method = v; return nil },
	},
	{
		key: "gamma.baseline",
		get: func(c *ConfigData) string { return c.Gamma.Baseline },
		set: func(c *ConfigData, v string) error { c.Gamma.Baseline = v; return nil },
	},
	{
		key: "index.clip",
		get: func(c *ConfigData) string { return ftoa(c.Index.Clip) },
		set: func(c *ConfigData, v string) (err error) { c.Index.Clip, err = floatPtr(v); return err },
	},
	{
		key: "bias_correction.enabled",
		get: func(c *ConfigData) string {
			if !c.BiasCorrection.Enabled {
				return ""
			}
			return "true"
		},
		set: func(c *ConfigData, v string) (err error) { c.BiasCorrection.Enabled, err = parseBool(v); return err },
	},
	{
		key: "bias_correction.precip_ref",
		get: func(c *ConfigData) string { return c.BiasCorrection.PrecipRef },
		set: func(c *ConfigData, v string) error { c.BiasCorrection.PrecipRef = v; return nil },
	},
	{
		key: "bias_correction.historical_obs",
		get: func(c *ConfigData) string { return c.BiasCorrection.HistoricalObs },
		set: func(c *ConfigData, v string) error { c.BiasCorrection.HistoricalObs = v; return nil },
	},
	{
		key: "bias_correction.historical_forecast",
		get: func(c *ConfigData) string { return c.BiasCorrection.HistoricalForecast },
		set: func(c *ConfigData, v string) error { c.BiasCorrection.HistoricalForecast = v; return nil },
	},
	{
		key: "bias_correction.clip_percentile",
		get: func(c *ConfigData) string { return ftoa(c.BiasCorrection.ClipPercentile) },
		set: func(c *ConfigData, v string) (err error) { c.BiasCorrection.ClipPercentile, err = floatPtr(v); return err },
	},
	{
		key: "catalog.driver",
		get: func(c *ConfigData) string { return c.Catalog.Driver },
		set: func(c *ConfigData, v string) error { c.Catalog.Driver = v; return nil },
	},
	{
		key: "catalog.dsn",
		get: func(c *ConfigData) string { return c.Catalog.DSN },
		set: func(c *ConfigData, v string) error { c.Catalog.DSN = v; return nil },
	},
	{
		key: "sink.postgres.connection_string",
		get: func(c *ConfigData) string {
			if c.Sink.Postgres == nil {
				return ""
			}
			return c.Sink.Postgres.ConnectionString
		},
		set: func(c *ConfigData, v string) error {
			c.Sink.Postgres = &PostgresData{ConnectionString: v}
			return nil
		},
	},
	{
		key: "workers",
		get: func(c *ConfigData) string { return nonZero(c.Workers) },
		set: func(c *ConfigData, v string) error { return intTo(&c.Workers)(v) },
	},
}

func lookupField(key string) (field, bool) {
	for _, f := range fields {
		if f.key == key {
			return f, true
		}
	}
	return field{}, false
}

// Set assigns a setting by its flat key, e.g. "gamma.window".
func (c *ConfigData) Set(key, value string) error {
	f, ok := lookupField(key)
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := f.set(c, value); err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
	return nil
}

// Settings returns every set value keyed by its flat key.
func (c *ConfigData) Settings() map[string]string {
	out := map[string]string{}
	for _, f := range fields {
		if v := f.get(c); v != "" {
			out[f.key] = v
		}
	}
	return out
}

// parseBool accepts the usual boolean spellings plus 1/0 and yes/no.
func parseBool(v string) (bool, error) {
	switch v {
	case "yes", "YES", "on", "ON":
		return true, nil
	case "no", "NO", "off", "OFF", "":
		return false, nil
	}
	return strconv.ParseBool(v)
}
