package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/metrics"
	"github.com/nci/s2mosaic/utils"
)

// SceneCatalog is an indexed store of scene descriptors that replaces
// filesystem discovery.
type SceneCatalog interface {
	FindScenes(ctx context.Context, grid *utils.GridSpec, filter IndexFilter) ([]*extractor.SceneInfo, error)
}

// Publisher uploads the files of a finished run.
type Publisher interface {
	Publish(ctx context.Context, runID string, files []string) error
}

// Runner executes a complete mosaic run: index, then fit, composite and
// write every resolution, then publish.
type Runner struct {
	Config    *utils.Config
	Opener    SceneOpener
	Sinks     SinkFactory
	Projector FootprintProjector
	Catalog   SceneCatalog
	Publisher Publisher
	Confirm   func(existing []string) bool
	Metrics   *metrics.MetricsCollector
	Log       *zap.Logger

	unopened *OpenFailures
	cleared  bool
}

// Run executes the run and records its outcome in the summary, which is
// rendered next to the outputs and handed to the metrics loggers.
func (r *Runner) Run(ctx context.Context) ([]string, error) {
	outputs, err := r.run(ctx)
	if err == nil && r.Publisher != nil {
		if perr := r.Publisher.Publish(ctx, r.Metrics.Info.RunID, outputs); perr != nil {
			err = perr
		}
	}
	r.Metrics.Finish(err)

	// A run refused before touching the output directory leaves it as is.
	if r.cleared {
		summary := SummaryPath(r.Config.OutputDir, r.Config.OutputName)
		if rerr := metrics.WriteReportFile(summary, r.Metrics.Info); rerr != nil {
			r.Log.Warn("Failed to write run summary", zap.String("path", summary), zap.Error(rerr))
		}
	}
	r.Metrics.Log()
	return outputs, err
}

func (r *Runner) echoSettings() {
	cfg := r.Config
	settings := map[string]string{
		"inputs":         strings.Join(cfg.Inputs, ","),
		"tile":           cfg.Tile,
		"level":          cfg.Level,
		"start":          cfg.Start,
		"end":            cfg.End,
		"extent":         fmt.Sprint(cfg.Extent),
		"epsg":           strconv.Itoa(cfg.EPSG),
		"resolution":     strconv.Itoa(cfg.Resolution),
		"bands":          strings.Join(cfg.Bands, ","),
		"algorithm":      cfg.Algorithm,
		"reference":      cfg.Reference,
		"harmonization":  cfg.Harmonization,
		"mask_exclusion": strings.Join(cfg.MaskExclusion, ","),
		"mask_dilation":  strconv.Itoa(cfg.MaskDilation),
		"resampling":     cfg.Resampling,
		"window_rows":    strconv.Itoa(cfg.WindowRows),
		"parallelism":    strconv.Itoa(cfg.Parallelism),
		"output":         filepath.Join(cfg.OutputDir, cfg.OutputName),
	}
	if cfg.Pattern != "" {
		settings["pattern"] = cfg.Pattern
	}
	for k, v := range settings {
		r.Metrics.Setting(k, v)
	}
}

func (r *Runner) run(ctx context.Context) ([]string, error) {
	cfg := r.Config
	r.echoSettings()
	r.unopened = NewOpenFailures()
	r.cleared = false

	resolutions, err := utils.ResolutionList(cfg.Resolution)
	if err != nil {
		return nil, err
	}

	policy, err := ParsePolicy(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	reference, err := ParseReference(cfg.Reference)
	if err != nil {
		return nil, err
	}
	exclusion, err := utils.ParseMaskExclusion(cfg.MaskExclusion)
	if err != nil {
		return nil, err
	}

	var targets []string
	var active []int
	bandsByRes := make(map[int][]string, len(resolutions))
	for _, res := range resolutions {
		bands, err := utils.BandsForResolution(res, cfg.Bands)
		if err != nil {
			return nil, err
		}
		if len(bands) == 0 {
			if len(resolutions) == 1 {
				return nil, fmt.Errorf("None of the bands %v is available at %dm", cfg.Bands, res)
			}
			r.Log.Info("No requested band at this resolution, skipping it", zap.Int("resolution", res))
			continue
		}
		active = append(active, res)
		bandsByRes[res] = bands
		if policy == TemporalHomogeneity {
			available, _ := utils.BandsForResolution(res, nil)
			for _, b := range reference.Bands {
				if !contains(available, b) {
					return nil, fmt.Errorf("Reference band %s is not available at %dm", b, res)
				}
			}
		}
		paths := OutputPaths{Dir: cfg.OutputDir, Name: cfg.OutputName, Resolution: res}
		targets = append(targets, paths.Targets(bands, cfg.Quicklook)...)
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("None of the bands %v is available at any output resolution", cfg.Bands)
	}
	targets = append(targets, SummaryPath(cfg.OutputDir, cfg.OutputName))
	if err := CheckOverwrite(targets, cfg.Overwrite, r.Confirm); err != nil {
		return nil, err
	}
	r.cleared = true

	base, err := utils.NewGridSpec(cfg.Extent, float64(active[0]), cfg.EPSG)
	if err != nil {
		return nil, err
	}
	scenes, err := r.index(ctx, base)
	if err != nil {
		return nil, err
	}

	var outputs []string
	for _, res := range active {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		grid, err := base.WithResolution(float64(res))
		if err != nil {
			return outputs, err
		}
		files, err := r.composite(ctx, grid, bandsByRes[res], scenes, policy, reference, &exclusion)
		outputs = append(outputs, files...)
		if err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

// Scenes indexes the configured inputs at the finest output resolution
// without compositing.
func (r *Runner) Scenes(ctx context.Context) ([]*extractor.SceneInfo, error) {
	resolutions, err := utils.ResolutionList(r.Config.Resolution)
	if err != nil {
		return nil, err
	}
	grid, err := utils.NewGridSpec(r.Config.Extent, float64(resolutions[0]), r.Config.EPSG)
	if err != nil {
		return nil, err
	}
	return r.index(ctx, grid)
}

// index finds the candidate scenes, from the catalogue when one is
// configured and from the input locations otherwise.
func (r *Runner) index(ctx context.Context, grid *utils.GridSpec) ([]*extractor.SceneInfo, error) {
	cfg := r.Config
	filter, err := NewIndexFilter(cfg)
	if err != nil {
		return nil, err
	}
	indexer := &SceneIndexer{
		Grid:        grid,
		Filter:      filter,
		Projector:   r.Projector,
		Concurrency: cfg.Parallelism,
		Log:         r.Log,
	}

	var result *IndexResult
	if r.Catalog != nil {
		candidates, err := r.Catalog.FindScenes(ctx, grid, filter)
		if err != nil {
			return nil, err
		}
		result, err = indexer.Select(candidates)
		r.record(result)
		if err != nil {
			return nil, err
		}
	} else {
		inputs := append([]string{}, cfg.Inputs...)
		if cfg.InputList != "" {
			listed, err := extractor.ReadInputList(cfg.InputList)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, listed...)
		}
		granules, err := extractor.DiscoverGranules(inputs, cfg.Parallelism, false)
		if err != nil {
			if len(granules) == 0 {
				return nil, err
			}
			r.Log.Warn("Some inputs could not be crawled", zap.Error(err))
		}
		result, err = indexer.Index(ctx, granules)
		r.record(result)
		if err != nil {
			return nil, err
		}
	}

	r.Log.Info("Scenes indexed",
		zap.Int("considered", result.Considered),
		zap.Int("selected", len(result.Scenes)),
		zap.Int("excluded", len(result.Excluded)))
	return result.Scenes, nil
}

func (r *Runner) record(result *IndexResult) {
	if result == nil {
		return
	}
	r.Metrics.Considered(result.Considered)
	for _, e := range result.Excluded {
		r.Metrics.Exclude(e.Scene, e.Reason, e.Detail)
	}
}

func (r *Runner) composite(ctx context.Context, grid *utils.GridSpec, bands []string, scenes []*extractor.SceneInfo, policy Policy, reference *Reference, exclusion *utils.MaskExclusionSet) ([]string, error) {
	cfg := r.Config
	res := int(grid.Resolution)
	log := r.Log.With(zap.Int("resolution", res))

	harmonizer, err := NewHarmonizer(cfg.Harmonization, cfg.MinOverlapPixels, log)
	if err != nil {
		return nil, err
	}

	compositor := &Compositor{
		Policy:     policy,
		Bands:      bands,
		Reference:  reference,
		Exclusion:  exclusion,
		Dilation:   cfg.MaskDilation,
		Harmonizer: harmonizer,
		Splitter:   NewWindowSplitter(grid, cfg.WindowRows),
		Log:        log,
	}
	qlSize := 0
	if cfg.Quicklook {
		qlSize = cfg.QuicklookSize
	}
	writer := &MosaicWriter{
		Sinks:         r.Sinks,
		Paths:         OutputPaths{Dir: cfg.OutputDir, Name: cfg.OutputName, Resolution: res},
		Grid:          grid,
		Bands:         bands,
		QuicklookSize: qlSize,
		QuicklookClip: cfg.QuicklookClip,
		Metrics:       r.Metrics,
		Log:           log,
	}
	pipeline := &Pipeline{
		Compositor:  compositor,
		Opener:      r.Opener,
		Writer:      writer,
		Scenes:      scenes,
		Parallelism: cfg.Parallelism,
		Metrics:     r.Metrics,
		Log:         log,
		Unopened:    r.unopened,
	}

	log.Info("Compositing",
		zap.String("grid", grid.String()),
		zap.Strings("bands", bands),
		zap.Int("scenes", len(scenes)),
		zap.Int("windows", compositor.Splitter.Count()))

	if err := pipeline.Fit(ctx); err != nil {
		return nil, err
	}
	if err := writer.Begin(); err != nil {
		return nil, err
	}
	if err := pipeline.Run(ctx); err != nil {
		writer.Abort()
		return nil, err
	}
	used := pipeline.ScenesUsed()
	if used == 0 {
		writer.Abort()
		return nil, fmt.Errorf("No scene supplied a valid pixel at %dm: %w", res, utils.ErrNoScenesFound)
	}
	outputs, err := writer.Finish(scenes)
	if err != nil {
		return outputs, err
	}

	if used > r.Metrics.Info.ScenesUsed {
		r.Metrics.Used(used)
	}
	return outputs, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
