package main

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nci/s2mosaic/utils"
)

func TestAskOverwrite(t *testing.T) {
	var out strings.Builder
	existing := []string{"/out/mosaic_R10m_B02.tif"}

	assert.True(t, askOverwrite(strings.NewReader("y\n"), &out, existing))
	assert.True(t, askOverwrite(strings.NewReader("Yes\n"), &out, existing))
	assert.False(t, askOverwrite(strings.NewReader("\n"), &out, existing))
	assert.False(t, askOverwrite(strings.NewReader(""), &out, existing))
	assert.Contains(t, out.String(), "/out/mosaic_R10m_B02.tif")
}

func TestConfigFlagsReachConfig(t *testing.T) {
	fs := pflag.NewFlagSet("mosaic", pflag.ContinueOnError)
	addConfigFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--inputs", "/data/a,/data/b",
		"--tile", "T36KWA",
		"--extent", "500000,7600000,600000,7700000",
		"--epsg", "32736",
		"--resolution", "20",
		"--algorithm", "most-recent",
		"--mask-dilation", "2",
		"--catalog-dsn", "postgres://mas@localhost/mas",
		"--storage-use-ssl=false",
		"-v",
	}))

	cfg, err := utils.LoadConfig(t.TempDir(), "", fs)
	require.NoError(t, err)

	assert.Equal(t, []string{"/data/a", "/data/b"}, cfg.Inputs)
	assert.Equal(t, "36KWA", cfg.Tile)
	assert.Equal(t, []float64{500000, 7600000, 600000, 7700000}, cfg.Extent)
	assert.Equal(t, 32736, cfg.EPSG)
	assert.Equal(t, 20, cfg.Resolution)
	assert.Equal(t, utils.AlgorithmMostRecent, cfg.Algorithm)
	assert.Equal(t, 2, cfg.MaskDilation)
	assert.Equal(t, "postgres://mas@localhost/mas", cfg.Catalog.DSN)
	assert.False(t, cfg.Storage.UseSSL)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, 256, cfg.WindowRows)
	assert.NoError(t, cfg.Validate())
}
