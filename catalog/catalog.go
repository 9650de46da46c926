// Package catalog stores scene descriptors in Postgres so that mosaic
// runs can find their scenes without walking the archive.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/nci/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/nci/s2mosaic/processor"
	"github.com/nci/s2mosaic/utils"
)

// Cache is the subset of the memcache client queries are cached through.
type Cache interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

type Catalog struct {
	DB        *sql.DB
	Cache     Cache
	Projector processor.FootprintProjector
	Log       *zap.Logger
}

// Open connects to the catalogue of cfg. The memcache connection is lazy;
// errors surface in Get.
func Open(cfg utils.CatalogConfig, projector processor.FootprintProjector, log *zap.Logger) (*Catalog, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("Opening catalogue: %v", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxIdleConns(cfg.MaxOpenConns)
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	c := &Catalog{DB: db, Projector: projector, Log: log}
	if cfg.Memcache != "" {
		c.Cache = memcache.New(cfg.Memcache)
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.DB.Close()
}

func (c *Catalog) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

const schemaSQL = `create extension if not exists postgis;
create table if not exists scenes (
	path text primary key,
	platform text not null,
	level text not null,
	tile text not null,
	sensed timestamptz not null,
	generation timestamptz,
	epsg integer not null,
	xmin double precision not null,
	ymin double precision not null,
	xmax double precision not null,
	ymax double precision not null,
	footprint geometry,
	kind text not null,
	descriptor jsonb not null
);
create index if not exists scenes_tile_sensed on scenes (tile, sensed);
create index if not exists scenes_footprint on scenes using gist (footprint);`

// EnsureSchema creates the scenes table and its indexes when missing.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("Creating catalogue schema: %v", err)
	}
	return nil
}
