package catalog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	geo "github.com/nci/geometry"
	"github.com/nci/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/processor"
	"github.com/nci/s2mosaic/utils"
)

const ISOFormat = "2006-01-02T15:04:05.000Z"

// WGS84 is the CRS query polygons are expressed in when a projector is
// available.
const WGS84 = 4326

// CatalogQuery selects scenes. Empty fields do not filter. WKT is
// interpreted in SRID.
type CatalogQuery struct {
	Tile  string
	Start time.Time
	End   time.Time
	Level string
	WKT   string
	SRID  int
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ISOFormat)
}

// Key is the cache key of the query: the md5 of its canonical form.
func (q CatalogQuery) Key() string {
	canonical := strings.Join([]string{
		q.Tile, formatTime(q.Start), formatTime(q.End), q.Level, fmt.Sprintf("%d", q.SRID), q.WKT,
	}, "|")
	buff := md5.Sum([]byte(canonical))
	return hex.EncodeToString(buff[:])
}

// Missing filters are bound as null.
const querySQL = `select descriptor from scenes
where ($1::text is null or tile = $1::text)
	and ($2::timestamptz is null or sensed >= $2::timestamptz)
	and ($3::timestamptz is null or sensed <= $3::timestamptz)
	and ($4::text is null or level = $4::text)
	and ($5::text is null or ST_Intersects(ST_Transform(footprint, $6::integer), ST_GeomFromText($5::text, $6::integer)))
order by sensed, tile, path`

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Query returns the scene descriptors matching q, through the cache when
// one is configured.
func (c *Catalog) Query(ctx context.Context, q CatalogQuery) ([]*extractor.SceneInfo, error) {
	log := c.logger()
	key := q.Key()

	if c.Cache != nil {
		if cached, err := c.Cache.Get(key); err == nil {
			var scenes []*extractor.SceneInfo
			if err := json.Unmarshal(cached.Value, &scenes); err == nil {
				log.Debug("catalogue cache hit", zap.String("key", key), zap.Int("scenes", len(scenes)))
				return scenes, nil
			}
		}
	}

	rows, err := c.DB.QueryContext(ctx, querySQL,
		nullable(q.Tile),
		nullable(formatTime(q.Start)),
		nullable(formatTime(q.End)),
		nullable(q.Level),
		nullable(q.WKT),
		q.SRID,
	)
	if err != nil {
		return nil, fmt.Errorf("Querying catalogue: %v", err)
	}
	defer rows.Close()

	scenes := []*extractor.SceneInfo{}
	var payload []json.RawMessage
	for rows.Next() {
		var descriptor []byte
		if err := rows.Scan(&descriptor); err != nil {
			return nil, fmt.Errorf("Reading catalogue row: %v", err)
		}
		var s extractor.SceneInfo
		if err := json.Unmarshal(descriptor, &s); err != nil {
			return nil, fmt.Errorf("Decoding catalogue descriptor: %v: %w", err, utils.ErrInvalidSceneFormat)
		}
		scenes = append(scenes, &s)
		payload = append(payload, json.RawMessage(descriptor))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Reading catalogue rows: %v", err)
	}

	if c.Cache != nil {
		if value, err := json.Marshal(payload); err == nil {
			// don't care about errors; memcache may not necessarily retain this anyway
			c.Cache.Set(&memcache.Item{Key: key, Value: value})
		}
	}
	log.Debug("catalogue query", zap.String("key", key), zap.Int("scenes", len(scenes)))
	return scenes, nil
}

// FindScenes queries the scenes intersecting the grid that pass the
// tile, date and level filters.
func (c *Catalog) FindScenes(ctx context.Context, grid *utils.GridSpec, filter processor.IndexFilter) ([]*extractor.SceneInfo, error) {
	wkt, srid, err := c.queryPolygon(grid)
	if err != nil {
		return nil, err
	}
	level := filter.Level
	if level == "ANY" {
		level = ""
	}
	return c.Query(ctx, CatalogQuery{
		Tile:  filter.Tile,
		Start: filter.Start,
		End:   filter.End,
		Level: level,
		WKT:   wkt,
		SRID:  srid,
	})
}

// queryPolygon is the grid extent as WKT, in WGS84 when a projector is
// available and in the grid CRS otherwise.
func (c *Catalog) queryPolygon(grid *utils.GridSpec) (string, int, error) {
	fp := extractor.Footprint{EPSG: grid.EPSG, XMin: grid.XMin, YMin: grid.YMin, XMax: grid.XMax, YMax: grid.YMax}
	if c.Projector != nil {
		projected, err := c.Projector.Project(fp, WGS84)
		if err != nil {
			return "", 0, err
		}
		fp = projected
	}

	geojson := fmt.Sprintf(`{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[%f,%f],[%f,%f],[%f,%f],[%f,%f],[%f,%f]]]}}`,
		fp.XMin, fp.YMax, fp.XMin, fp.YMin, fp.XMax, fp.YMin, fp.XMax, fp.YMax, fp.XMin, fp.YMax)
	var feat geo.Feature
	if err := json.Unmarshal([]byte(geojson), &feat); err != nil {
		return "", 0, fmt.Errorf("Problem unmarshalling GeoJSON object: %v", err)
	}
	return feat.Geometry.MarshalWKT(), fp.EPSG, nil
}
