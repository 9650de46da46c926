package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nci/s2mosaic/crawl/extractor"
)

const sceneDoc = `
platform: %s
level: L2A
tile: T36KWA
extent:
  center_dt: "2017-07-0%dT10:10:31Z"
grid_spatial:
  projection:
    spatial_reference: "EPSG:32736"
    geo_ref_points:
      ul: {x: 499980, y: 7700020}
      ur: {x: 609780, y: 7700020}
      ll: {x: 499980, y: 7590220}
      lr: {x: 609780, y: 7590220}
image:
  bands:
    B02: {path: B02.tif, resolution: 10}
    SCL: {path: SCL.tif, resolution: 20}
`

func writeScene(t *testing.T, dir, doc string) {
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, extractor.DescriptorFile), []byte(doc), 0644))
}

func fixtureArchive(t *testing.T) string {
	root := t.TempDir()
	writeScene(t, filepath.Join(root, "a"), strings.Replace(strings.Replace(sceneDoc, "%s", "S2A", 1), "%d", "1", 1))
	writeScene(t, filepath.Join(root, "b"), strings.Replace(strings.Replace(sceneDoc, "%s", "S2B", 1), "%d", "2", 1))
	writeScene(t, filepath.Join(root, "broken"), "platform: [\n")
	return root
}

func TestCrawlPrintsDescriptors(t *testing.T) {
	root := fixtureArchive(t)

	var out strings.Builder
	scenes, failed, err := crawlScenes(context.Background(), crawlOptions{Inputs: []string{root}, Concurrency: 2}, &out, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	require.Len(t, scenes, 2)

	var lines []extractor.SceneInfo
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	for sc.Scan() {
		var s extractor.SceneInfo
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		lines = append(lines, s)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, filepath.Join(root, "a"), lines[0].Path)
	assert.Equal(t, "S2B", lines[1].Platform)
	assert.Equal(t, "36KWA", lines[1].Tile)
}

func TestCrawlAppliesPattern(t *testing.T) {
	root := fixtureArchive(t)
	pattern, err := extractor.ParsePatternExpression(`platform == "S2B"`)
	require.NoError(t, err)

	var out strings.Builder
	scenes, _, err := crawlScenes(context.Background(), crawlOptions{Inputs: []string{root}, Pattern: pattern}, &out, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, "S2B", scenes[0].Platform)
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
}

func TestCrawlMissingInput(t *testing.T) {
	_, _, err := crawlScenes(context.Background(), crawlOptions{Inputs: []string{"/nonexistent/archive"}}, &strings.Builder{}, zap.NewNop())
	assert.Error(t, err)
}

type fakeRegistrar struct {
	schemaErr error
	got       []*extractor.SceneInfo
}

func (f *fakeRegistrar) EnsureSchema(ctx context.Context) error {
	return f.schemaErr
}

func (f *fakeRegistrar) Register(ctx context.Context, scenes []*extractor.SceneInfo) (int, error) {
	f.got = scenes
	return len(scenes), nil
}

func TestRegister(t *testing.T) {
	scenes := []*extractor.SceneInfo{{Path: "/a"}, {Path: "/b"}}

	reg := &fakeRegistrar{}
	n, err := register(context.Background(), reg, scenes)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, scenes, reg.got)

	reg = &fakeRegistrar{schemaErr: errors.New("permission denied")}
	_, err = register(context.Background(), reg, scenes)
	assert.Error(t, err)
	assert.Nil(t, reg.got)
}
