package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Inputs:           []string{"/data/s2"},
		Level:            "2A",
		Extent:           []float64{500000, 7600000, 600000, 7700000},
		EPSG:             32736,
		Algorithm:        AlgorithmTemporalHomogeneity,
		Reference:        "B02",
		Harmonization:    HarmonizationNone,
		MinOverlapPixels: 100,
		MaskExclusion:    []string{"auto"},
		Resampling:       ResamplingNearest,
		WindowRows:       256,
		Parallelism:      1,
		OutputDir:        ".",
		OutputName:       "mosaic",
		QuicklookSize:    1024,
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, "2A", cfg.Level)
	assert.Equal(t, AlgorithmTemporalHomogeneity, cfg.Algorithm)
	assert.Equal(t, HarmonizationNone, cfg.Harmonization)
	assert.Equal(t, "B02", cfg.Reference)
	assert.Equal(t, []string{"auto"}, cfg.MaskExclusion)
	assert.Equal(t, 256, cfg.WindowRows)
	assert.Equal(t, 1, cfg.Parallelism)
	assert.Equal(t, "mosaic", cfg.OutputName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Storage.UseSSL)
	assert.Empty(t, cfg.Extent)
}

func TestLoadConfigFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "mosaic.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
extent: [500000, 7600000, 600000, 7700000]
epsg: 32736
tile: T36kwa
algorithm: Most-Recent
bands: [b02, B03]
log:
  encoding: json
`), 0644))

	t.Setenv("S2MOSAIC_WINDOW_ROWS", "64")
	t.Setenv("S2MOSAIC_CATALOG_DSN", "postgres://mas@localhost/mas")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("output-dir", ".", "")
	flags.Int("parallelism", 1, "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--output-dir", "/tmp/out", "--parallelism", "4", "--log-level", "warn"}))

	cfg, err := LoadConfig(dir, cfgFile, flags)
	require.NoError(t, err)

	assert.Equal(t, []float64{500000, 7600000, 600000, 7700000}, cfg.Extent)
	assert.Equal(t, 32736, cfg.EPSG)
	assert.Equal(t, "36KWA", cfg.Tile)
	assert.Equal(t, AlgorithmMostRecent, cfg.Algorithm)
	assert.Equal(t, []string{"B02", "B03"}, cfg.Bands)
	assert.Equal(t, "json", cfg.Log.Encoding)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 64, cfg.WindowRows)
	assert.Equal(t, "postgres://mas@localhost/mas", cfg.Catalog.DSN)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Equal(t, 4, cfg.Parallelism)
}

func TestFlagKey(t *testing.T) {
	assert.Equal(t, "output_dir", FlagKey("output-dir"))
	assert.Equal(t, "log.level", FlagKey("log-level"))
	assert.Equal(t, "storage.access_key", FlagKey("storage-access-key"))
	assert.Equal(t, "catalog.dsn", FlagKey("catalog-dsn"))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no inputs", func(c *Config) { c.Inputs = nil }},
		{"bad tile", func(c *Config) { c.Tile = "36KW" }},
		{"raw without permission", func(c *Config) { c.Level = "1C" }},
		{"unknown level", func(c *Config) { c.Level = "2B" }},
		{"bad start", func(c *Config) { c.Start = "2017-13-01" }},
		{"end before start", func(c *Config) { c.Start = "20170601"; c.End = "20170501" }},
		{"short extent", func(c *Config) { c.Extent = []float64{1, 2, 3} }},
		{"geographic crs", func(c *Config) { c.EPSG = 4326 }},
		{"bad resolution", func(c *Config) { c.Resolution = 30 }},
		{"unknown band", func(c *Config) { c.Bands = []string{"B13"} }},
		{"bad algorithm", func(c *Config) { c.Algorithm = "median" }},
		{"bad harmonization", func(c *Config) { c.Harmonization = "basic" }},
		{"bad resampling", func(c *Config) { c.Resampling = "cubic" }},
		{"bad mask", func(c *Config) { c.MaskExclusion = []string{"fog"} }},
		{"negative dilation", func(c *Config) { c.MaskDilation = -1 }},
		{"zero window", func(c *Config) { c.WindowRows = 0 }},
		{"zero parallelism", func(c *Config) { c.Parallelism = 0 }},
		{"path in name", func(c *Config) { c.OutputName = "a/b" }},
		{"bucketless storage", func(c *Config) { c.Storage.Endpoint = "localhost:9000" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	raw := validConfig()
	raw.Level = "1C"
	raw.AllowRaw = true
	assert.NoError(t, raw.Validate())
}

func TestDateWindowIsInclusive(t *testing.T) {
	c := validConfig()
	c.Start = "20170101"
	c.End = "2017-01-31"

	start, end, err := c.DateWindow()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.True(t, end.After(time.Date(2017, 1, 31, 23, 59, 59, 0, time.UTC)))
	assert.True(t, end.Before(time.Date(2017, 2, 1, 0, 0, 0, 0, time.UTC)))
}
