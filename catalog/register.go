package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nci/s2mosaic/crawl/extractor"
)

const upsertSQL = `insert into scenes (path, platform, level, tile, sensed, generation, epsg, xmin, ymin, xmax, ymax, footprint, kind, descriptor)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, ST_SetSRID(ST_GeomFromText(nullif($12, '')), $7), $13, $14)
on conflict (path) do update set
	platform = excluded.platform,
	level = excluded.level,
	tile = excluded.tile,
	sensed = excluded.sensed,
	generation = excluded.generation,
	epsg = excluded.epsg,
	xmin = excluded.xmin,
	ymin = excluded.ymin,
	xmax = excluded.xmax,
	ymax = excluded.ymax,
	footprint = excluded.footprint,
	kind = excluded.kind,
	descriptor = excluded.descriptor`

// Register upserts scene descriptors keyed by path in one transaction.
func (c *Catalog) Register(ctx context.Context, scenes []*extractor.SceneInfo) (int, error) {
	if len(scenes) == 0 {
		return 0, nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("Starting catalogue transaction: %v", err)
	}
	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("Preparing catalogue upsert: %v", err)
	}
	defer stmt.Close()

	for _, s := range scenes {
		descriptor, err := json.Marshal(s)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("Encoding descriptor of %s: %v", s.Path, err)
		}

		var generation interface{}
		if !s.Generation.IsZero() {
			generation = s.Generation
		}
		wkt := ""
		if s.Footprint.Valid() {
			wkt = s.Footprint.Polygon()
		}

		fp := s.Footprint
		_, err = stmt.ExecContext(ctx, s.Path, s.Platform, s.Level, s.Tile, s.Sensed, generation, fp.EPSG,
			fp.XMin, fp.YMin, fp.XMax, fp.YMax, wkt, string(s.Kind), string(descriptor))
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("Registering %s: %v", s.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Committing catalogue transaction: %v", err)
	}
	c.logger().Info("registered scenes", zap.Int("count", len(scenes)))
	return len(scenes), nil
}
