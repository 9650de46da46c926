package utils

import (
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Compositing algorithms.
const (
	AlgorithmMostRecent          = "most-recent"
	AlgorithmMostDistant         = "most-distant"
	AlgorithmTemporalHomogeneity = "temporal-homogeneity"
)

// Harmonization policies.
const (
	HarmonizationNone           = "none"
	HarmonizationHistogramMatch = "histogram-match"
	HarmonizationOverlapGain    = "overlap-gain"
)

const (
	ResamplingNearest  = "nearest"
	ResamplingBilinear = "bilinear"

	EnvPrefix  = "S2MOSAIC"
	DateLayout = "20060102"

	defaultQuicklookClip = 3000
)

var tileRegex = regexp.MustCompile(`^[0-9]{2}[A-Z]{3}$`)

// Config is the complete configuration of a mosaic run. Values come from
// defaults, an optional config file, S2MOSAIC_ environment variables, a
// .env file and command line flags, in increasing order of precedence.
type Config struct {
	Inputs    []string `mapstructure:"inputs" default:""`
	InputList string   `mapstructure:"input_list" default:""`
	Tile      string   `mapstructure:"tile" default:""`
	// Level is the processing level to composite: 2A, 3A, 1C or any.
	Level    string `mapstructure:"level" default:"2A"`
	AllowRaw bool   `mapstructure:"allow_raw" default:"false"`
	Start    string `mapstructure:"start" default:""`
	End      string `mapstructure:"end" default:""`
	Pattern  string `mapstructure:"pattern" default:""`

	Extent     []float64 `mapstructure:"extent" default:""`
	EPSG       int       `mapstructure:"epsg" default:"0"`
	Resolution int       `mapstructure:"resolution" default:"0"`
	Bands      []string  `mapstructure:"bands" default:""`

	Algorithm        string   `mapstructure:"algorithm" default:"temporal-homogeneity"`
	Reference        string   `mapstructure:"reference" default:"B02"`
	Harmonization    string   `mapstructure:"harmonization" default:"none"`
	MinOverlapPixels int      `mapstructure:"min_overlap_pixels" default:"100"`
	MaskExclusion    []string `mapstructure:"mask_exclusion" default:"auto"`
	MaskDilation     int      `mapstructure:"mask_dilation" default:"0"`
	Resampling       string   `mapstructure:"resampling" default:"nearest"`
	WindowRows       int      `mapstructure:"window_rows" default:"256"`
	Parallelism      int      `mapstructure:"parallelism" default:"1"`

	OutputDir     string  `mapstructure:"output_dir" default:"."`
	OutputName    string  `mapstructure:"output_name" default:"mosaic"`
	Overwrite     bool    `mapstructure:"overwrite" default:"false"`
	Quicklook     bool    `mapstructure:"quicklook" default:"false"`
	QuicklookSize int     `mapstructure:"quicklook_size" default:"1024"`
	QuicklookClip float64 `mapstructure:"quicklook_clip" default:"3000"`
	SummaryLogDir string  `mapstructure:"summary_log_dir" default:""`
	Verbose       bool    `mapstructure:"verbose" default:"false"`

	Log     LogConfig     `mapstructure:"log"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Storage StorageConfig `mapstructure:"storage"`
}

type LogConfig struct {
	Level    string `mapstructure:"level" default:"info"`
	Encoding string `mapstructure:"encoding" default:"console"`
}

// CatalogConfig points at the optional Postgres scene catalogue.
type CatalogConfig struct {
	DSN          string `mapstructure:"dsn" default:""`
	Memcache     string `mapstructure:"memcache" default:""`
	MaxOpenConns int    `mapstructure:"max_open_conns" default:"8"`
}

// StorageConfig points at the optional S3 compatible bucket outputs are
// published to.
type StorageConfig struct {
	Endpoint       string `mapstructure:"endpoint" default:""`
	AccessKey      string `mapstructure:"access_key" default:""`
	SecretKey      string `mapstructure:"secret_key" default:""`
	Bucket         string `mapstructure:"bucket" default:""`
	Prefix         string `mapstructure:"prefix" default:""`
	Region         string `mapstructure:"region" default:""`
	UseSSL         bool   `mapstructure:"use_ssl" default:"true"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" default:"30"`
}

// LoadConfig reads the configuration. configFile may be empty. Flags are
// bound by name with dashes mapped to underscores; "log-", "catalog-" and
// "storage-" prefixes address the nested sections.
func LoadConfig(envDir string, configFile string, flags *pflag.FlagSet) (*Config, error) {
	envPath := filepath.Join(envDir, ".env")
	_ = godotenv.Overload(envPath)

	v := viper.New()
	bindValues(v, Config{}, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" {
				return
			}
			bindErr = v.BindPFlag(FlagKey(f.Name), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("Error binding flags: %v", bindErr)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("Error decoding configuration: %v", err)
	}
	config.normalise()
	return &config, nil
}

// FlagKey maps a command line flag name to its configuration key.
func FlagKey(name string) string {
	for _, section := range []string{"log", "catalog", "storage"} {
		if strings.HasPrefix(name, section+"-") {
			return section + "." + strings.ReplaceAll(strings.TrimPrefix(name, section+"-"), "-", "_")
		}
	}
	return strings.ReplaceAll(name, "-", "_")
}

// bindValues walks the struct tags and registers every key with its
// default so that AutomaticEnv can resolve it.
func bindValues(v *viper.Viper, iface interface{}, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		v.SetDefault(key, field.Tag.Get("default"))
	}
}

func (c *Config) normalise() {
	c.Tile = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(c.Tile)), "T")
	c.Level = strings.ToUpper(strings.TrimSpace(c.Level))
	c.Algorithm = strings.ToLower(strings.TrimSpace(c.Algorithm))
	c.Harmonization = strings.ToLower(strings.TrimSpace(c.Harmonization))
	c.Resampling = strings.ToLower(strings.TrimSpace(c.Resampling))
	c.Inputs = splitList(c.Inputs)
	c.Bands = splitList(c.Bands)
	for i, b := range c.Bands {
		c.Bands[i] = strings.ToUpper(b)
	}
	if c.QuicklookClip <= 0 {
		c.QuicklookClip = defaultQuicklookClip
	}
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks the configuration of a mosaic run.
func (c *Config) Validate() error {
	if len(c.Inputs) == 0 && c.InputList == "" && c.Catalog.DSN == "" {
		return fmt.Errorf("No inputs: provide input paths, an input list file or a catalogue DSN")
	}
	if c.Tile != "" && !tileRegex.MatchString(c.Tile) {
		return fmt.Errorf("Tile format not recognised, expected ##XXX (e.g. 36KWA): %q", c.Tile)
	}
	switch c.Level {
	case "2A", "3A", "ANY":
	case "1C":
		if !c.AllowRaw {
			return fmt.Errorf("Compositing level 1C scenes requires allow_raw: they carry no classification layer")
		}
	default:
		return fmt.Errorf("Processing level must be 1C, 2A, 3A or any, got %q", c.Level)
	}

	start, end, err := c.DateWindow()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("End date %s is before start date %s", c.End, c.Start)
	}

	if len(c.Extent) != 4 {
		return fmt.Errorf("Output extent must be xmin,ymin,xmax,ymax, got %v", c.Extent)
	}
	if _, err := NewGridSpec(c.Extent, 10, c.EPSG); err != nil {
		return err
	}
	if _, err := ResolutionList(c.Resolution); err != nil {
		return err
	}
	for _, b := range c.Bands {
		if !IsBand(b) {
			return fmt.Errorf("Unknown band %q", b)
		}
	}

	switch c.Algorithm {
	case AlgorithmMostRecent, AlgorithmMostDistant, AlgorithmTemporalHomogeneity:
	default:
		return fmt.Errorf("Compositing algorithm must be %s, %s or %s, got %q", AlgorithmMostRecent, AlgorithmMostDistant, AlgorithmTemporalHomogeneity, c.Algorithm)
	}
	switch c.Harmonization {
	case HarmonizationNone, HarmonizationHistogramMatch, HarmonizationOverlapGain:
	default:
		return fmt.Errorf("Harmonization policy must be %s, %s or %s, got %q", HarmonizationNone, HarmonizationHistogramMatch, HarmonizationOverlapGain, c.Harmonization)
	}
	switch c.Resampling {
	case ResamplingNearest, ResamplingBilinear:
	default:
		return fmt.Errorf("Resampling must be %s or %s, got %q", ResamplingNearest, ResamplingBilinear, c.Resampling)
	}
	if strings.TrimSpace(c.Reference) == "" {
		return fmt.Errorf("Reference band or expression must not be empty")
	}
	if _, err := ParseMaskExclusion(c.MaskExclusion); err != nil {
		return err
	}

	if c.MaskDilation < 0 {
		return fmt.Errorf("Mask dilation must not be negative, got %d", c.MaskDilation)
	}
	if c.MinOverlapPixels <= 0 {
		return fmt.Errorf("Minimum overlap must be positive, got %d", c.MinOverlapPixels)
	}
	if c.WindowRows <= 0 {
		return fmt.Errorf("Window rows must be positive, got %d", c.WindowRows)
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("Parallelism must be positive, got %d", c.Parallelism)
	}
	if c.Quicklook && c.QuicklookSize <= 0 {
		return fmt.Errorf("Quicklook size must be positive, got %d", c.QuicklookSize)
	}
	if strings.TrimSpace(c.OutputName) == "" || strings.ContainsRune(c.OutputName, filepath.Separator) {
		return fmt.Errorf("Output name must be a plain file name prefix, got %q", c.OutputName)
	}
	if c.Storage.Endpoint != "" && c.Storage.Bucket == "" {
		return fmt.Errorf("Storage endpoint %s configured without a bucket", c.Storage.Endpoint)
	}
	return nil
}

// DateWindow parses the start and end dates. The end date is inclusive,
// so the returned end is the last instant of that day.
func (c *Config) DateWindow() (time.Time, time.Time, error) {
	start, err := ParseDate(c.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("Invalid start date: %v", err)
	}
	end, err := ParseDate(c.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("Invalid end date: %v", err)
	}
	if !end.IsZero() {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return start, end, nil
}

// ParseDate accepts YYYYMMDD and YYYY-MM-DD. An empty string is the zero
// time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{DateLayout, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("Could not parse date %q, expected YYYYMMDD", s)
}
