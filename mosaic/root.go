package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nci/s2mosaic/utils"
)

var rootCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Sentinel-2 cloud-free compositing",
	Long: `mosaic selects, for every pixel of an output grid, the best valid
observation among a set of Sentinel-2 scenes and writes per-band GeoTIFFs,
a classification layer, a provenance raster and an observation count.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		l, logErr := utils.NewLogger(utils.LogConfig{Level: "info", Encoding: "console"}, false)
		if logErr == nil {
			l.Error("command failed", zap.Error(err))
			_ = l.Sync()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	addConfigFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd, scenesCmd, versionCmd)
}

// addConfigFlags declares a flag for every configuration key. Defaults
// only serve the help text; the effective defaults live on utils.Config.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "configuration file (json, yaml or toml)")

	fs.StringSlice("inputs", nil, "input locations: SAFE products, granule directories or parent directories")
	fs.String("input-list", "", "text file listing input paths, one per line")
	fs.String("tile", "", "tile id filter, e.g. 36KWA")
	fs.String("level", "2A", "processing level: 2A, 3A, 1C or any")
	fs.Bool("allow-raw", false, "permit compositing 1C scenes without classification")
	fs.String("start", "", "first acquisition date, YYYYMMDD")
	fs.String("end", "", "last acquisition date, YYYYMMDD (inclusive)")
	fs.String("pattern", "", "scene filter expression over name, tile, level and platform")

	fs.StringSlice("extent", nil, "output extent xmin,ymin,xmax,ymax in the output CRS")
	fs.Int("epsg", 0, "output CRS EPSG code")
	fs.Int("resolution", 0, "output resolution in metres: 10, 20, 60 or 0 for all")
	fs.StringSlice("bands", nil, "bands to composite, default all bands of each resolution")

	fs.String("algorithm", utils.AlgorithmTemporalHomogeneity, "most-recent, most-distant or temporal-homogeneity")
	fs.String("reference", "B02", "reference band or expression for temporal-homogeneity")
	fs.String("harmonization", utils.HarmonizationNone, "none, histogram-match or overlap-gain")
	fs.Int("min-overlap-pixels", 100, "minimum shared valid pixels for an overlap-gain pair")
	fs.StringSlice("mask-exclusion", []string{"auto"}, "excluded classification codes, names or presets (auto, none, strict)")
	fs.Int("mask-dilation", 0, "dilate excluded classes by this many pixels")
	fs.String("resampling", utils.ResamplingNearest, "reflectance resampling: nearest or bilinear")
	fs.Int("window-rows", 256, "rows per processing window")
	fs.Int("parallelism", 1, "concurrent windows")

	fs.String("output-dir", ".", "output directory")
	fs.String("output-name", "mosaic", "output file name prefix")
	fs.Bool("overwrite", false, "overwrite existing outputs without asking")
	fs.Bool("quicklook", false, "write an RGB quicklook PNG")
	fs.Int("quicklook-size", 1024, "longest quicklook side in pixels")
	fs.Float64("quicklook-clip", 3000, "reflectance mapped to full brightness in the quicklook")
	fs.String("summary-log-dir", "", "directory of the rotating JSON run summary log")
	fs.BoolP("verbose", "v", false, "debug logging")

	fs.String("log-level", "info", "log level")
	fs.String("log-encoding", "console", "log encoding: console or json")

	fs.String("catalog-dsn", "", "Postgres scene catalogue DSN")
	fs.String("catalog-memcache", "", "memcache host:port caching catalogue queries")
	fs.Int("catalog-max-open-conns", 8, "catalogue connection pool size")

	fs.String("storage-endpoint", "", "S3 compatible endpoint outputs are published to")
	fs.String("storage-access-key", "", "storage access key")
	fs.String("storage-secret-key", "", "storage secret key")
	fs.String("storage-bucket", "", "storage bucket")
	fs.String("storage-prefix", "", "object key prefix")
	fs.String("storage-region", "", "storage region")
	fs.Bool("storage-use-ssl", true, "use TLS for the storage endpoint")
	fs.Int("storage-timeout-seconds", 30, "per file upload timeout")
}
