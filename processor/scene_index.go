package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goeval "github.com/edisonguo/govaluate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/metrics"
	"github.com/nci/s2mosaic/utils"
)

// MaxScenes is the largest ingestion index a uint16 provenance raster
// can carry.
const MaxScenes = 65535

type IndexFilter struct {
	Tile     string
	Start    time.Time
	End      time.Time
	Level    string
	AllowRaw bool
	Pattern  *goeval.EvaluableExpression
}

// NewIndexFilter builds the scene filter of a run configuration.
func NewIndexFilter(cfg *utils.Config) (IndexFilter, error) {
	start, end, err := cfg.DateWindow()
	if err != nil {
		return IndexFilter{}, err
	}
	pattern, err := extractor.ParsePatternExpression(cfg.Pattern)
	if err != nil {
		return IndexFilter{}, err
	}
	return IndexFilter{
		Tile:     cfg.Tile,
		Start:    start,
		End:      end,
		Level:    cfg.Level,
		AllowRaw: cfg.AllowRaw,
		Pattern:  pattern,
	}, nil
}

type IndexResult struct {
	Scenes     []*extractor.SceneInfo
	Considered int
	Excluded   []metrics.Exclusion
}

// SceneIndexer turns granule directories into the ordered list of scenes
// a mosaic is composited from.
type SceneIndexer struct {
	Grid        *utils.GridSpec
	Filter      IndexFilter
	Projector   FootprintProjector
	Concurrency int
	Log         *zap.Logger
}

// Index extracts the metadata of every granule and selects the usable
// scenes. Unparseable granules are excluded with reason invalid_format.
func (si *SceneIndexer) Index(ctx context.Context, granuleDirs []string) (*IndexResult, error) {
	conc := si.Concurrency
	if conc <= 0 {
		conc = 1
	}

	scenes := make([]*extractor.SceneInfo, len(granuleDirs))
	errs := make([]error, len(granuleDirs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i, dir := range granuleDirs {
		if gctx.Err() != nil {
			break
		}
		i, dir := i, dir
		g.Go(func() error {
			scenes[i], errs[i] = extractor.ExtractSceneInfo(dir)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var valid []*extractor.SceneInfo
	var excluded []metrics.Exclusion
	for i, dir := range granuleDirs {
		if errs[i] != nil {
			si.Log.Warn("skipping scene", zap.String("path", dir), zap.Error(errs[i]))
			excluded = append(excluded, metrics.Exclusion{Scene: dir, Reason: metrics.ReasonInvalidFormat, Detail: errs[i].Error()})
			continue
		}
		valid = append(valid, scenes[i])
	}

	res, err := si.Select(valid)
	if res != nil {
		res.Considered += len(excluded)
		res.Excluded = append(excluded, res.Excluded...)
	}
	return res, err
}

// Select applies the filters in order tile, date, level, pattern and
// overlap, drops superseded generations and sorts the survivors by
// acquisition time, tile and path. Ingestion indices are assigned from 1.
// The result is returned alongside ErrNoScenesFound so that exclusions can
// still be reported.
func (si *SceneIndexer) Select(scenes []*extractor.SceneInfo) (*IndexResult, error) {
	res := &IndexResult{Considered: len(scenes)}
	exclude := func(s *extractor.SceneInfo, reason, detail string) {
		si.Log.Debug("excluding scene", zap.String("scene", s.Name()), zap.String("reason", reason), zap.String("detail", detail))
		res.Excluded = append(res.Excluded, metrics.Exclusion{Scene: s.Name(), Reason: reason, Detail: detail})
	}

	var kept []*extractor.SceneInfo
	for _, s := range scenes {
		reason, detail, err := si.filter(s)
		if err != nil {
			return res, err
		}
		if reason != "" {
			exclude(s, reason, detail)
			continue
		}
		kept = append(kept, s)
	}

	latest := make(map[string]*extractor.SceneInfo)
	for _, s := range kept {
		id := s.Identity()
		prev, ok := latest[id]
		if !ok {
			latest[id] = s
			continue
		}
		if supersedes(s, prev) {
			latest[id] = s
			exclude(prev, metrics.ReasonSuperseded, "superseded by "+s.Path)
		} else {
			exclude(s, metrics.ReasonSuperseded, "superseded by "+prev.Path)
		}
	}

	for _, s := range kept {
		if latest[s.Identity()] == s {
			res.Scenes = append(res.Scenes, s)
		}
	}

	sort.SliceStable(res.Scenes, func(i, j int) bool {
		a, b := res.Scenes[i], res.Scenes[j]
		if !a.Sensed.Equal(b.Sensed) {
			return a.Sensed.Before(b.Sensed)
		}
		if a.Tile != b.Tile {
			return a.Tile < b.Tile
		}
		return a.Path < b.Path
	})

	if len(res.Scenes) == 0 {
		return res, fmt.Errorf("No scenes left after filtering %d candidates: %w", res.Considered, utils.ErrNoScenesFound)
	}
	if len(res.Scenes) > MaxScenes {
		return res, fmt.Errorf("%d scenes selected, provenance supports at most %d: %w", len(res.Scenes), MaxScenes, utils.ErrOutputWriteFailure)
	}
	for i, s := range res.Scenes {
		s.Index = i + 1
	}
	return res, nil
}

// supersedes reports whether a is a newer generation of the same
// acquisition than b. Equal generations fall back to the path so the
// choice does not depend on discovery order.
func supersedes(a, b *extractor.SceneInfo) bool {
	if !a.Generation.Equal(b.Generation) {
		return a.Generation.After(b.Generation)
	}
	return a.Path > b.Path
}

func (si *SceneIndexer) filter(s *extractor.SceneInfo) (string, string, error) {
	f := si.Filter

	if f.Tile != "" && s.Tile != f.Tile {
		return metrics.ReasonFilteredTile, "tile " + s.Tile, nil
	}
	if !f.Start.IsZero() && s.Sensed.Before(f.Start) {
		return metrics.ReasonFilteredDate, "sensed " + s.Sensed.Format(time.RFC3339), nil
	}
	if !f.End.IsZero() && s.Sensed.After(f.End) {
		return metrics.ReasonFilteredDate, "sensed " + s.Sensed.Format(time.RFC3339), nil
	}
	if f.Level != "" && f.Level != "ANY" && s.Level != f.Level {
		return metrics.ReasonFilteredLevel, "level " + s.Level, nil
	}
	if s.Kind == extractor.KindRaw && !f.AllowRaw {
		return metrics.ReasonUnclassified, "raw scenes carry no classification", nil
	}
	if f.Pattern != nil {
		ok, err := extractor.EvaluatePattern(f.Pattern, s)
		if err != nil {
			return metrics.ReasonFilteredPattern, err.Error(), nil
		}
		if !ok {
			return metrics.ReasonFilteredPattern, "", nil
		}
	}

	overlaps, err := si.overlaps(s)
	if err != nil {
		return "", "", err
	}
	if !overlaps {
		return metrics.ReasonNoOverlap, "", nil
	}
	return "", "", nil
}

// overlaps intersects the scene footprint with the grid extent in the
// grid CRS. Scenes without a usable footprint are kept; their readers
// report no overlap per window.
func (si *SceneIndexer) overlaps(s *extractor.SceneInfo) (bool, error) {
	if si.Grid == nil || !s.Footprint.Valid() {
		return true, nil
	}

	fp := s.Footprint
	if fp.EPSG != si.Grid.EPSG {
		if si.Projector == nil {
			return true, nil
		}
		var err error
		fp, err = si.Projector.Project(fp, si.Grid.EPSG)
		if err != nil {
			if errors.Is(err, utils.ErrGridMismatch) {
				return false, fmt.Errorf("Scene %s: %w", s.Name(), err)
			}
			return false, fmt.Errorf("Scene %s: cannot project footprint from EPSG:%d to EPSG:%d: %v: %w", s.Name(), s.Footprint.EPSG, si.Grid.EPSG, err, utils.ErrGridMismatch)
		}
	}
	return utils.BBoxIntersects(fp.BBox(), si.Grid.BBox()), nil
}
