// Command crawl extracts Sentinel-2 scene metadata from an archive,
// prints one JSON descriptor per line and optionally registers the
// descriptors in the scene catalogue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	goeval "github.com/edisonguo/govaluate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nci/s2mosaic/catalog"
	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/utils"
)

type crawlOptions struct {
	Inputs         []string
	Concurrency    int
	FollowSymlinks bool
	Pattern        *goeval.EvaluableExpression
}

type registrar interface {
	EnsureSchema(ctx context.Context) error
	Register(ctx context.Context, scenes []*extractor.SceneInfo) (int, error)
}

// crawlScenes discovers the granules under the inputs, extracts their
// metadata concurrently and writes the descriptors that pass the pattern
// to out in discovery order. Granules that cannot be parsed are logged
// and counted.
func crawlScenes(ctx context.Context, opts crawlOptions, out io.Writer, log *zap.Logger) ([]*extractor.SceneInfo, int, error) {
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 1
	}

	granules, err := extractor.DiscoverGranules(opts.Inputs, conc, opts.FollowSymlinks)
	if err != nil {
		if len(granules) == 0 {
			return nil, 0, err
		}
		log.Warn("Some inputs could not be crawled", zap.Error(err))
	}

	infos := make([]*extractor.SceneInfo, len(granules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i, dir := range granules {
		i, dir := i, dir
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := extractor.ExtractSceneInfo(dir)
			if err != nil {
				log.Warn("Skipping granule", zap.String("path", dir), zap.Error(err))
				return nil
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	var scenes []*extractor.SceneInfo
	failed := 0
	for _, info := range infos {
		if info == nil {
			failed++
			continue
		}
		ok, err := extractor.EvaluatePattern(opts.Pattern, info)
		if err != nil {
			return nil, failed, err
		}
		if !ok {
			continue
		}
		if err := enc.Encode(info); err != nil {
			return nil, failed, err
		}
		scenes = append(scenes, info)
	}
	return scenes, failed, nil
}

func register(ctx context.Context, reg registrar, scenes []*extractor.SceneInfo) (int, error) {
	if err := reg.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	return reg.Register(ctx, scenes)
}

var rootCmd = &cobra.Command{
	Use:   "crawl [flags] path...",
	Short: "Extract Sentinel-2 scene descriptors",
	Long: `crawl walks products, granules and directories holding them, prints
one JSON scene descriptor per line and, with --register, upserts the
descriptors into the Postgres scene catalogue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCrawl,
}

func init() {
	fs := rootCmd.Flags()
	fs.String("input-list", "", "text file listing input paths, one per line")
	fs.String("pattern", "", "scene filter expression over name, tile, level and platform")
	fs.Int("parallelism", 1, "concurrent directory reads and metadata extractions")
	fs.Bool("follow-symlinks", false, "follow symbolic links while crawling")
	fs.Bool("register", false, "register the descriptors in the scene catalogue")
	fs.String("catalog-dsn", "", "Postgres scene catalogue DSN")
	fs.String("log-level", "info", "log level")
	fs.String("log-encoding", "console", "log encoding: console or json")
	fs.BoolP("verbose", "v", false, "debug logging")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, err := utils.LoadConfig(".", "", cmd.Flags())
	if err != nil {
		return err
	}
	log, err := utils.NewLogger(cfg.Log, cfg.Verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	inputs := append([]string{}, args...)
	if cfg.InputList != "" {
		listed, err := extractor.ReadInputList(cfg.InputList)
		if err != nil {
			return err
		}
		inputs = append(inputs, listed...)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("No inputs: provide paths or --input-list")
	}
	pattern, err := extractor.ParsePatternExpression(cfg.Pattern)
	if err != nil {
		return err
	}
	followSymlinks, _ := cmd.Flags().GetBool("follow-symlinks")
	doRegister, _ := cmd.Flags().GetBool("register")
	if doRegister && cfg.Catalog.DSN == "" {
		return fmt.Errorf("--register needs a catalogue DSN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := crawlOptions{Inputs: inputs, Concurrency: cfg.Parallelism, FollowSymlinks: followSymlinks, Pattern: pattern}
	scenes, failed, err := crawlScenes(ctx, opts, cmd.OutOrStdout(), log)
	if err != nil {
		return err
	}
	log.Info("Crawl complete", zap.Int("scenes", len(scenes)), zap.Int("failed", failed))

	if doRegister {
		cat, err := catalog.Open(cfg.Catalog, nil, log)
		if err != nil {
			return err
		}
		defer cat.Close()
		n, err := register(ctx, cat, scenes)
		if err != nil {
			return err
		}
		log.Info("Registered scenes", zap.Int("count", n))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
